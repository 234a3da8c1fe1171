package report

import "time"

// Display selects which verbs make it into a report.
type Display struct {
	New       bool `yaml:"new" toml:"new" json:"new" env:"NEW"`
	Changed   bool `yaml:"changed" toml:"changed" json:"changed" env:"CHANGED"`
	Unchanged bool `yaml:"unchanged" toml:"unchanged" json:"unchanged" env:"UNCHANGED"`
	Error     bool `yaml:"error" toml:"error" json:"error" env:"ERROR"`
}

func DefaultDisplay() Display {
	return Display{New: true, Changed: true, Error: true}
}

type Config struct {
	Text    TextConfig    `yaml:"text" toml:"text" json:"text" env:", prefix=TEXT_"`
	Email   EmailConfig   `yaml:"email" toml:"email" json:"email" env:", prefix=EMAIL_"`
	Webhook WebhookConfig `yaml:"webhook" toml:"webhook" json:"webhook" env:", prefix=WEBHOOK_"`
}

type TextConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled" json:"enabled" env:"ENABLED"`
	// Summary prints a table of all reported jobs before the details.
	Summary bool `yaml:"summary" toml:"summary" json:"summary" env:"SUMMARY"`
	// Footer is printed below the report when set.
	Footer string `yaml:"footer" toml:"footer" json:"footer" env:"FOOTER"`
}

type EmailConfig struct {
	Enabled bool     `yaml:"enabled" toml:"enabled" json:"enabled" env:"ENABLED"`
	From    string   `yaml:"from" toml:"from" json:"from" env:"FROM" validate:"required_if=Enabled true"`
	To      []string `yaml:"to" toml:"to" json:"to" env:"TO" validate:"required_if=Enabled true,dive,email"`
	// Subject may reference {count} and {jobs}.
	Subject string     `yaml:"subject" toml:"subject" json:"subject" env:"SUBJECT"`
	SMTP    SMTPConfig `yaml:"smtp" toml:"smtp" json:"smtp" env:", prefix=SMTP_"`
}

type SMTPConfig struct {
	Host     string `yaml:"host" toml:"host" json:"host" env:"HOST"`
	Port     int    `yaml:"port" toml:"port" json:"port" env:"PORT" validate:"omitempty,gt=0,lte=65535"`
	User     string `yaml:"user" toml:"user" json:"user" env:"USER"`
	Password string `yaml:"password" toml:"password" json:"password" env:"PASSWORD"`
}

type WebhookConfig struct {
	Enabled bool              `yaml:"enabled" toml:"enabled" json:"enabled" env:"ENABLED"`
	URL     string            `yaml:"url" toml:"url" json:"url" env:"URL" validate:"required_if=Enabled true,omitempty,url"`
	Headers map[string]string `yaml:"headers" toml:"headers" json:"headers" env:"HEADERS"`
	// MaxLength truncates the rendered text; zero keeps it whole.
	MaxLength int           `yaml:"max_length" toml:"max_length" json:"max_length" env:"MAX_LENGTH" validate:"gte=0"`
	Timeout   time.Duration `yaml:"timeout" toml:"timeout" json:"timeout" env:"TIMEOUT"`
}

const defaultSubject = "[kansoku] {count} changes: {jobs}"

func DefaultConfig() Config {
	return Config{
		Text:  TextConfig{Enabled: true, Summary: true},
		Email: EmailConfig{Subject: defaultSubject, SMTP: SMTPConfig{Port: 25}},
		Webhook: WebhookConfig{
			Timeout: 30 * time.Second,
		},
	}
}
