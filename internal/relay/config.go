package relay

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	PublicAddr        string        `mapstructure:"public" validate:"required"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	StreamIdleTimeout time.Duration `mapstructure:"stream_idle_timeout" validate:"gte=0"` // 0 keeps open streams unbounded
	MaxBody           int64         `mapstructure:"max_body" validate:"gt=0"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" validate:"gte=0"`
	RegisterTimeout   time.Duration `mapstructure:"register_timeout" validate:"gt=0"`
}

const (
	DefaultPublicAddr      = ":3001"
	DefaultRequestTimeout  = 30 * time.Second
	DefaultMaxBody         = 50 << 20
	DefaultRegisterTimeout = 10 * time.Second
)

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.PublicAddr == "" {
		c.PublicAddr = DefaultPublicAddr
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxBody == 0 {
		c.MaxBody = DefaultMaxBody
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
	if c.RegisterTimeout == 0 {
		c.RegisterTimeout = DefaultRegisterTimeout
	}
	return c
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}
	return nil
}

// tunnel names are a single URL path segment; a leading letter or digit keeps
// them clear of the relay's own "_"-prefixed routes
var tunnelNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._~-]{0,62}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("tunnelname", func(fl validator.FieldLevel) bool {
		return tunnelNameRe.MatchString(fl.Field().String())
	})
	return v
}

type registration struct {
	Name string `validate:"required,tunnelname"`
}

// ValidName reports whether name can be registered as a tunnel.
func ValidName(name string) bool {
	return validate.Struct(registration{Name: name}) == nil
}
