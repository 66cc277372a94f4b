package mail

import (
	"bytes"
	"fmt"
	"html/template"
)

const (
	TemplateVerifyEmail   = "verify-email"
	TemplatePasswordReset = "password-reset"
	TemplateWelcome       = "welcome"
)

type tmpl struct {
	subject string
	body    *template.Template
}

// Renderer turns a template name and its data into a subject and HTML body.
type Renderer struct {
	templates map[string]tmpl
}

func NewRenderer() *Renderer {
	r := &Renderer{templates: map[string]tmpl{}}
	r.add(TemplateVerifyEmail, "Verify your email",
		`<p>Hi {{.username}},</p><p>Your verification code is <strong>{{.code}}</strong>. It expires in {{.ttl}}.</p>`)
	r.add(TemplatePasswordReset, "Reset your password",
		`<p>Hi {{.username}},</p><p>Use the code <strong>{{.code}}</strong> to reset your password. It expires in {{.ttl}}.</p><p>If you did not ask for this, ignore this email.</p>`)
	r.add(TemplateWelcome, "Welcome to the blog",
		`<p>Hi {{.username}},</p><p>Your email is verified. Welcome aboard.</p>`)
	return r
}

func (r *Renderer) add(name, subject, body string) {
	r.templates[name] = tmpl{
		subject: subject,
		body:    template.Must(template.New(name).Option("missingkey=error").Parse(body)),
	}
}

func (r *Renderer) Render(name string, data map[string]string) (subject, html string, err error) {
	t, ok := r.templates[name]
	if !ok {
		return "", "", fmt.Errorf("mail: unknown template %q", name)
	}
	var buf bytes.Buffer
	if err := t.body.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("mail: render %s: %w", name, err)
	}
	return t.subject, buf.String(), nil
}
