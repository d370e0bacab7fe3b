package vault

import (
	"log/slog"
	"time"

	"github.com/joncooperworks/devicetrust/audit"
	"github.com/joncooperworks/devicetrust/clock"
	"github.com/joncooperworks/devicetrust/crypto"
	"github.com/joncooperworks/devicetrust/identity"
)

// DefaultRotationInterval is how long a credential may go without rotation
// before CredentialsNeedingRotation reports it.
const DefaultRotationInterval = 90 * 24 * time.Hour

type options struct {
	logger           *slog.Logger
	clock            clock.Clock
	identity         identity.Provider
	deriver          *crypto.Deriver
	algorithm        crypto.Algorithm
	params           crypto.Params
	suite            crypto.Suite
	rotationInterval time.Duration
	audit            audit.Hook
	onChange         func(Action, Credential)
	onAccess         func(Credential, string)
}

func defaultOptions() options {
	return options{
		logger:           slog.New(slog.DiscardHandler),
		clock:            clock.Real(),
		deriver:          crypto.NewDeriver(),
		algorithm:        crypto.Argon2id,
		params:           crypto.DefaultParams(crypto.Argon2id),
		rotationInterval: DefaultRotationInterval,
		audit:            audit.Nop,
	}
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock sets the time source used for expiry and rotation.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithIdentity mixes the device identity into the password before key
// derivation, binding the vault to this device.
func WithIdentity(provider identity.Provider) Option {
	return func(o *options) { o.identity = provider }
}

// WithDeriver sets the Deriver used for the vault key.
func WithDeriver(d *crypto.Deriver) Option {
	return func(o *options) { o.deriver = d }
}

// WithKDF selects the algorithm and cost for a newly created vault. An
// existing vault always uses the parameters recorded in its index.
func WithKDF(algorithm crypto.Algorithm, params crypto.Params) Option {
	return func(o *options) {
		o.algorithm = algorithm
		o.params = params
	}
}

// WithSuite forces the cipher suite of a newly created vault.
func WithSuite(suite crypto.Suite) Option {
	return func(o *options) { o.suite = suite }
}

// WithRotationInterval overrides DefaultRotationInterval.
func WithRotationInterval(d time.Duration) Option {
	return func(o *options) { o.rotationInterval = d }
}

// WithAudit sets the hook receiving access denials, authentication failures
// and password changes.
func WithAudit(hook audit.Hook) Option {
	return func(o *options) { o.audit = hook }
}

// WithOnChange registers a callback for every lifecycle change.
func WithOnChange(fn func(Action, Credential)) Option {
	return func(o *options) { o.onChange = fn }
}

// WithOnAccess registers a callback for every successful Retrieve.
func WithOnAccess(fn func(cred Credential, accessor string)) Option {
	return func(o *options) { o.onAccess = fn }
}
