package antibot

import (
	"bytes"
	"context"
	"html/template"
)

import (
	"github.com/nanjiek/pixiu-gateway/internal/sysconfig"
)

// Challenge types selected by the antibot-challenge-type setting.
const (
	ChallengeMetaRefresh = "metarefresh"
	ChallengeJavascript  = "javascript"
	ChallengePreact      = "preact"
)

// Challenge is a rendered browser challenge plus the token it carries.
type Challenge struct {
	Token        string
	ContentType  string
	Body         []byte
	CookieMaxAge int
}

var metaRefreshTmpl = template.Must(template.New("metarefresh").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <meta http-equiv="refresh" content="{{.Delay}}; url={{.Path}}">
  <title>Please wait...</title>
  <style>
    body { font-family: Arial, sans-serif; display: flex; align-items: center; justify-content: center; height: 100vh; background: #f5f5f5; margin: 0; }
    .container { text-align: center; background: white; padding: 40px; border-radius: 8px; box-shadow: 0 2px 8px rgba(0,0,0,0.1); }
    .spinner { border: 4px solid #f3f3f3; border-top: 4px solid #3498db; border-radius: 50%; width: 40px; height: 40px; animation: spin 1s linear infinite; margin: 20px auto; }
    @keyframes spin { 0% { transform: rotate(0deg); } 100% { transform: rotate(360deg); } }
  </style>
</head>
<body>
  <div class="container">
    <h1>Verifying your browser...</h1>
    <div class="spinner"></div>
    <p>This page will automatically refresh in {{.Delay}} seconds.</p>
  </div>
</body>
</html>
`))

var preactTmpl = template.Must(template.New("preact").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1.0" />
  <title>Verifying your browser...</title>
  <style>
    body { font-family: system-ui, -apple-system, sans-serif; background: #0f172a; color: #e2e8f0; display: flex; align-items: center; justify-content: center; height: 100vh; margin: 0; }
    .card { background: #111827; padding: 32px; border-radius: 14px; width: 360px; text-align: center; border: 1px solid #1f2937; }
    .spinner { width: 56px; height: 56px; border-radius: 50%; border: 6px solid rgba(148,163,184,0.35); border-top-color: #818cf8; margin: 0 auto 16px auto; animation: spin 1s linear infinite; }
    @keyframes spin { 0% { transform: rotate(0deg);} 100% { transform: rotate(360deg);} }
  </style>
  <script src="https://unpkg.com/preact@10.19.3/dist/preact.min.js" crossorigin></script>
  <script src="https://unpkg.com/preact@10.19.3/hooks/dist/hooks.umd.js" crossorigin></script>
</head>
<body>
  <div id="app"></div>
  <script>
    (function() {
      const token = {{.Token}};
      const delay = {{.Delay}};
      const redirectPath = {{.Path}};
      const { h, render } = preact;
      const { useEffect, useState } = preactHooks;

      function Challenge() {
        const [seconds, setSeconds] = useState(delay);

        useEffect(() => {
          const countdown = setInterval(() => setSeconds((s) => Math.max(0, s - 1)), 1000);
          const timer = setTimeout(() => {
            document.cookie = "X-Form-Token-Challenge=" + token + ";path=/;max-age=600;SameSite=Lax";
            window.location.replace(redirectPath);
          }, delay * 1000);

          return () => { clearInterval(countdown); clearTimeout(timer); };
        }, []);

        return h('div', { class: 'card' }, [
          h('div', { class: 'spinner', role: 'status' }),
          h('h1', null, 'Verifying your browser'),
          h('p', null, 'Continuing in ' + seconds + 's...')
        ]);
      }

      render(h(Challenge, {}), document.getElementById('app'));
    })();
  </script>
</body>
</html>
`))

// RenderChallenge issues a fresh token and renders the configured challenge
// for the given return path. The metarefresh variant relies on the caller
// setting the challenge cookie (no JavaScript needed client-side); the
// preact variant sets it from script; the javascript variant hands the raw
// token to the caller's own challenge logic.
func (v *Validator) RenderChallenge(ctx context.Context, path string) (Challenge, error) {
	issued := v.Issue(ctx)
	kind := v.cfg.GetString(ctx, sysconfig.KeyAntibotChallengeType, ChallengeMetaRefresh)

	switch kind {
	case ChallengePreact:
		delay := v.cfg.GetInt64(ctx, sysconfig.KeyAntibotPreactDiff, 1)
		if delay < 1 {
			delay = 1
		}
		body, err := render(preactTmpl, map[string]interface{}{
			"Token": issued.Token,
			"Delay": delay,
			"Path":  path,
		})
		if err != nil {
			return Challenge{}, err
		}
		return Challenge{Token: issued.Token, ContentType: "text/html; charset=utf-8", Body: body}, nil

	case ChallengeJavascript:
		return Challenge{
			Token:       issued.Token,
			ContentType: "application/json",
			Body:        []byte(`{"token":"` + issued.Token + `"}`),
		}, nil

	default: // metarefresh
		delay := v.cfg.GetInt64(ctx, sysconfig.KeyAntibotMetaDelay, 3)
		body, err := render(metaRefreshTmpl, map[string]interface{}{
			"Delay": delay,
			"Path":  path,
		})
		if err != nil {
			return Challenge{}, err
		}
		return Challenge{
			Token:        issued.Token,
			ContentType:  "text/html; charset=utf-8",
			Body:         body,
			CookieMaxAge: tokenTTLSecs,
		}, nil
	}
}

func render(tmpl *template.Template, data interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
