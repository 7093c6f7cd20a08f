package mail

import (
	"bytes"
	"html/template"
	"strings"

	"github.com/keithlinneman/academy-api/internal/xerrors"
)

var tmpl = template.Must(template.New("mail").Parse(`
{{define "contact"}}<!doctype html>
<html><body style="font-family:sans-serif">
<h2>New contact form message</h2>
<p><strong>Name:</strong> {{.Name}}</p>
<p><strong>Email:</strong> {{.Email}}</p>
<p><strong>Message:</strong></p>
<p style="white-space:pre-wrap">{{.Message}}</p>
</body></html>{{end}}

{{define "purchase"}}<!doctype html>
<html><body style="font-family:sans-serif">
<h2>Thanks for your purchase{{if .Name}}, {{.Name}}{{end}}!</h2>
<p>Your enrollment in <strong>{{.Course}}</strong> is confirmed.</p>
{{if .Amount}}<p>Amount paid: {{.Amount}}</p>{{end}}
<p>Reference: {{.Reference}}</p>
<p>Reply to this email if you have any questions.</p>
</body></html>{{end}}
`))

// ContactData fills the contact notification sent to the site owner.
type ContactData struct {
	Name    string
	Email   string
	Message string
}

// PurchaseData fills the confirmation sent to a buyer.
type PurchaseData struct {
	Name      string
	Course    string
	Amount    string
	Reference string
}

func RenderContact(d ContactData) (subject, html string, err error) {
	html, err = render("contact", d)
	if err != nil {
		return "", "", err
	}
	return "Contact form: " + oneLine(d.Name), html, nil
}

func RenderPurchase(d PurchaseData) (subject, html string, err error) {
	if d.Course == "" {
		d.Course = "your course"
	}
	html, err = render("purchase", d)
	if err != nil {
		return "", "", err
	}
	return "Your enrollment is confirmed", html, nil
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", xerrors.Wrapf(err, "render %s template", name)
	}
	return buf.String(), nil
}

// oneLine keeps user input from injecting header lines into a subject.
func oneLine(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
