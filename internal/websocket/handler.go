package websocket

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	ws "github.com/coder/websocket"
)

// HandleStream upgrades GET ?email=... to a stream of entitlement change
// messages for that email. The email need not have a record yet: clients open
// the stream right after checkout, before the webhook creates one.
// allowedOrigins uses the CORS form (full origins or
// "*").
func HandleStream(hub *Hub, allowedOrigins []string, logger *slog.Logger) http.HandlerFunc {
	opts := acceptOptions(allowedOrigins)
	return func(w http.ResponseWriter, r *http.Request) {
		// Emails are keys exactly as given; " a@x.com" is not "a@x.com".
		email := r.URL.Query().Get("email")
		if email == "" {
			http.Error(w, "email is required", http.StatusBadRequest)
			return
		}

		// streams outlive the server's per-request deadlines
		rc := http.NewResponseController(w)
		_ = rc.SetReadDeadline(time.Time{})
		_ = rc.SetWriteDeadline(time.Time{})

		conn, err := ws.Accept(w, r, opts)
		if err != nil {
			logger.Warn("websocket accept failed", "error", err)
			return
		}
		defer conn.CloseNow()

		NewClient(hub, conn, email).Run(r.Context())
	}
}

func acceptOptions(allowedOrigins []string) *ws.AcceptOptions {
	opts := &ws.AcceptOptions{}
	for _, origin := range allowedOrigins {
		if origin == "*" {
			opts.InsecureSkipVerify = true
			return opts
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			opts.OriginPatterns = append(opts.OriginPatterns, u.Host)
		}
	}
	return opts
}
