package magiclink

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

// 件名
const (
	NewUserSubject      = "Welcome Aboard! Activate Your Account Now"
	ExistingUserSubject = "Welcome Back! Sign In Using Your Magic Link"
)

var (
	newUserTmpl = template.Must(template.ParseFS(templateFS,
		"templates/layout.html", "templates/new_user.html"))
	existingUserTmpl = template.Must(template.ParseFS(templateFS,
		"templates/layout.html", "templates/existing_user.html"))
)

type emailData struct {
	Name             string
	Link             string
	Preview          string
	ExpiresInMinutes int
}

// renderEmail は新規・既存ユーザーに応じた件名とHTML本文を返す。
func renderEmail(newUser bool, name, link string, ttl time.Duration) (subject, body string, err error) {
	data := emailData{
		Name:             name,
		Link:             link,
		ExpiresInMinutes: int(ttl.Minutes()),
	}

	tmpl := existingUserTmpl
	subject = ExistingUserSubject
	data.Preview = "Access Your Account with This Magic Link"
	if newUser {
		tmpl = newUserTmpl
		subject = NewUserSubject
		data.Preview = "Welcome! Confirm Your Email to Get Started"
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		return "", "", fmt.Errorf("failed to render email: %w", err)
	}
	return subject, buf.String(), nil
}
