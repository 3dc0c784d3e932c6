package dictrack

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/geminixiang/dictrack/internal/pkg/utils/errors"
	"github.com/geminixiang/dictrack/pkg/dictrack/lock"
	"github.com/geminixiang/dictrack/pkg/dictrack/storage"
)

// Config of one tracker group.
// The group name doubles as the storage namespace.
type Config struct {
	Name string `configKey:"name" configUsage:"Group name, used as the storage namespace." validate:"required"`
	// Policy decides when a tracker completes, "all" conditions or "any".
	Policy CompletionPolicy `configKey:"policy" validate:"required,oneof=all any"`
	// AutoCreate enables creating a tracker from DefaultConditions
	// on the first Track call for an unknown key.
	AutoCreate bool `configKey:"autoCreate" configUsage:"Create trackers on first update from the default conditions."`
	// DefaultConditions are used by AutoCreate and by AddTracker calls
	// with no explicit definitions.
	DefaultConditions []Definition `configKey:"defaultConditions"`
	// Limiter applies to every tracker created by the group, optional.
	Limiter *LimiterConfig `configKey:"limiter"`
	// LockTimeout bounds the wait for a per-key lock.
	LockTimeout time.Duration `configKey:"lockTimeout" validate:"required"`
	// GracePeriod keeps terminal trackers around for inspection
	// before SweepExpired removes them.
	GracePeriod time.Duration `configKey:"gracePeriod"`

	Backend      storage.Backend
	Locks        lock.Provider
	OnCompletion CompletionCallback
	Logger       *zap.Logger
	Clock        clockwork.Clock
}

func NewConfig(name string, backend storage.Backend, locks lock.Provider) Config {
	return Config{
		Name:        name,
		Policy:      PolicyAll,
		AutoCreate:  false,
		LockTimeout: 5 * time.Second,
		GracePeriod: time.Hour,
		Backend:     backend,
		Locks:       locks,
		Logger:      zap.NewNop(),
		Clock:       clockwork.NewRealClock(),
	}
}

func (c Config) Validate() error {
	errs := errors.NewMultiError()
	if c.Name == "" {
		errs.Append(errors.New("group name is not set"))
	}
	if c.Policy != PolicyAll && c.Policy != PolicyAny {
		errs.Append(errors.Errorf(`unexpected completion policy "%s"`, c.Policy))
	}
	if c.Backend == nil {
		errs.Append(errors.New("storage backend is not set"))
	}
	if c.Locks == nil {
		errs.Append(errors.New("lock provider is not set"))
	}
	if c.LockTimeout <= 0 {
		errs.Append(errors.New("lock timeout must be positive"))
	}
	if c.GracePeriod < 0 {
		errs.Append(errors.New("grace period cannot be negative"))
	}
	if c.AutoCreate && len(c.DefaultConditions) == 0 {
		errs.Append(errors.New("auto-create requires default condition definitions"))
	}
	return errs.ErrorOrNil()
}
