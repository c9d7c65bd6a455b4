package server

import (
	"context"
	"fmt"
	"io"

	"github.com/a-h/templ"

	qerrors "github.com/conneroisu/quire/internal/errors"
)

const pageStyle = `body{font:15px/1.5 system-ui,sans-serif;margin:3rem auto;max-width:48rem;padding:0 1rem;color:#222}` +
	`h1{font-size:1.4rem}pre{background:#2b0b0b;color:#ffd7d7;padding:1rem;border-radius:6px;white-space:pre-wrap}` +
	`.muted{color:#777}`

// shell wraps body in a minimal document that loads the live-reload
// client.
func shell(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := fmt.Fprintf(w,
			`<!DOCTYPE html><html><head><meta charset="utf-8"><title>%s</title><style>%s</style></head><body>`,
			templ.EscapeString(title), pageStyle); err != nil {
			return err
		}
		if err := body.Render(ctx, w); err != nil {
			return err
		}
		_, err := io.WriteString(w, reloadTag+`</body></html>`)
		return err
	})
}

// loadingPage is served until the first full build has finished. The
// reload client waits for readiness and then reloads.
func loadingPage() templ.Component {
	return shell("Building…", templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		_, err := io.WriteString(w, `<h1>Building site…</h1><p class="muted">This page reloads when the build is ready.</p>`)
		return err
	}))
}

// errorPage shows the diagnostic of a page that failed to compile.
func errorPage(entry qerrors.Entry) templ.Component {
	return shell("Build error", templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		_, err := fmt.Fprintf(w, `<h1>%s failed to build</h1><pre>%s</pre><p class="muted">Fix the source and this page will reload.</p>`,
			templ.EscapeString(entry.Path), templ.EscapeString(entry.Message))
		return err
	}))
}

// notFoundPage lists the current failures, since a page whose source does
// not compile has no URL yet.
func notFoundPage(path string, failures []qerrors.Entry) templ.Component {
	return shell("Not found", templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		if _, err := fmt.Fprintf(w, `<h1>No page at %s</h1>`, templ.EscapeString(path)); err != nil {
			return err
		}
		for _, f := range failures {
			if _, err := fmt.Fprintf(w, `<h2>%s</h2><pre>%s</pre>`,
				templ.EscapeString(f.Path), templ.EscapeString(f.Message)); err != nil {
				return err
			}
		}
		return nil
	}))
}
