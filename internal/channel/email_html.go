package channel

import (
	"bytes"
	"html/template"
)

// emailTmpl wraps every outgoing email body. {{.Subject}} and {{.Body}} are
// auto-escaped by html/template.
var emailTmpl = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html lang="{{.Locale}}">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width,initial-scale=1.0">
  <title>{{.Subject}}</title>
</head>
<body style="margin:0;padding:0;background-color:#f1f5f9;
     font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Arial,sans-serif;">
  <table width="100%" cellpadding="0" cellspacing="0" role="presentation"
         style="background-color:#f1f5f9;padding:32px 16px;">
    <tr>
      <td align="center">
        <table width="600" cellpadding="0" cellspacing="0" role="presentation"
               style="max-width:600px;width:100%;">

          <tr>
            <td style="background-color:#1e293b;padding:24px 36px;border-radius:10px 10px 0 0;">
              <span style="font-size:19px;font-weight:700;color:#ffffff;">{{.Sender}}</span>
              <span style="display:block;font-size:11px;color:#94a3b8;margin-top:2px;letter-spacing:0.3px;">
                SERVICE INTERRUPTION NOTICE
              </span>
            </td>
          </tr>

          <tr>
            <td style="background-color:#fef3c7;padding:14px 36px;border-left:4px solid #f59e0b;">
              <p style="margin:0;font-size:15px;font-weight:600;color:#78350f;">{{.Subject}}</p>
            </td>
          </tr>

          <tr>
            <td style="background-color:#ffffff;padding:32px 36px;">
              <div style="font-size:14px;line-height:1.7;color:#334155;
                          white-space:pre-wrap;word-break:break-word;">{{.Body}}</div>
            </td>
          </tr>

          <tr>
            <td style="background-color:#f8fafc;padding:18px 36px;
                       border-top:1px solid #e2e8f0;border-radius:0 0 10px 10px;">
              <p style="margin:0;font-size:12px;color:#94a3b8;">
                You are receiving this because outage alerts are enabled for your service address.
              </p>
            </td>
          </tr>

        </table>
      </td>
    </tr>
  </table>
</body>
</html>
`))

// buildEmailHTML renders the branded HTML wrapper.
func buildEmailHTML(sender, locale, subject, body string) (string, error) {
	if locale == "" {
		locale = "en"
	}
	var buf bytes.Buffer
	err := emailTmpl.Execute(&buf, struct{ Sender, Locale, Subject, Body string }{sender, locale, subject, body})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
