package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"
)

// SMTPConfig holds outbound mail settings. An empty Host disables email.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

var emailTemplate = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif">
<h2>{{.AlertName}}</h2>
<p><strong>{{.Count}}</strong> new competitor {{if eq .Count 1}}mention{{else}}mentions{{end}} found on {{.Platforms}}.</p>
{{- if .Presences}}
<ul>
{{- range .Presences}}
<li><a href="{{.URL}}">{{.Title}}</a> ({{.Competitor}}, {{.Platform}}, {{.Method}})</li>
{{- end}}
</ul>
{{- end}}
{{- if .DashboardURL}}
<p><a href="{{.DashboardURL}}">Open the dashboard</a></p>
{{- end}}
</body>
</html>
`))

type emailData struct {
	AlertName    string
	Count        int
	Platforms    string
	Presences    any
	DashboardURL string
}

// Email sends an HTML summary to the alert's notification address.
type Email struct {
	cfg          SMTPConfig
	dashboardURL string
	log          zerolog.Logger
	send         func(ctx context.Context, msg *mail.Msg) error
}

// NewEmail creates an email notifier. dashboardURL may contain {alertId}.
func NewEmail(cfg SMTPConfig, dashboardURL string, log zerolog.Logger) *Email {
	e := &Email{
		cfg:          cfg,
		dashboardURL: dashboardURL,
		log:          log.With().Str("component", "notify.email").Logger(),
	}
	e.send = e.dial
	return e
}

func (e *Email) Name() string { return "email" }

func (e *Email) Send(ctx context.Context, n *Notification) error {
	if !n.Targets.Enabled || n.Targets.Email == "" {
		return ErrSkipped
	}
	if e.cfg.Host == "" {
		e.log.Info().Str("alert_id", n.AlertID).Str("to", n.Targets.Email).Msg("smtp not configured, skipping email")
		return ErrSkipped
	}

	body, err := e.render(n)
	if err != nil {
		return err
	}

	msg := mail.NewMsg()
	if err := msg.From(e.cfg.From); err != nil {
		return fmt.Errorf("set from %q: %w", e.cfg.From, err)
	}
	if err := msg.To(n.Targets.Email); err != nil {
		return fmt.Errorf("set to %q: %w", n.Targets.Email, err)
	}
	msg.Subject(fmt.Sprintf("[rivalradar] %d new mentions for %s", n.NewPresencesFound, n.AlertName))
	msg.SetDate()
	msg.SetBodyString(mail.TypeTextHTML, body)

	if err := e.send(ctx, msg); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func (e *Email) render(n *Notification) (string, error) {
	var buf bytes.Buffer
	err := emailTemplate.Execute(&buf, emailData{
		AlertName:    n.AlertName,
		Count:        n.NewPresencesFound,
		Platforms:    strings.Join(n.Platforms, ", "),
		Presences:    topPresences(n, 20),
		DashboardURL: strings.ReplaceAll(e.dashboardURL, "{alertId}", n.AlertID),
	})
	if err != nil {
		return "", fmt.Errorf("render email: %w", err)
	}
	return buf.String(), nil
}

func (e *Email) dial(ctx context.Context, msg *mail.Msg) error {
	opts := []mail.Option{mail.WithTLSPortPolicy(mail.TLSOpportunistic)}
	if e.cfg.Port > 0 {
		opts = append(opts, mail.WithPort(e.cfg.Port))
	}
	if e.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(e.cfg.Username),
			mail.WithPassword(e.cfg.Password),
		)
	}
	client, err := mail.NewClient(e.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}
