/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Seednode/kanaparty/games"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const qrSize = 320

func validCode(code string) bool {
	if len(code) != games.CodeLength {
		return false
	}
	for _, c := range code {
		if !strings.ContainsRune(games.CodeChars, c) {
			return false
		}
	}
	return true
}

// joinLink is the URL players open to join code: --join-url when set,
// otherwise this server's own root.
func joinLink(cfg *Config, r *http.Request, code string) (string, error) {
	base := cfg.joinURL
	if base == "" {
		scheme := cfg.scheme()
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		base = scheme + "://" + r.Host + cfg.prefix + "/"
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("room", code)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// serveQR renders a PNG QR code pointing at the join link for a room. It
// does not check that the room exists.
func serveQR(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		startTime := time.Now()

		code := strings.ToUpper(ps.ByName("code"))
		if !validCode(code) {
			http.Error(w, "invalid room code", http.StatusBadRequest)
			return
		}

		link, err := joinLink(cfg, r, code)
		if err != nil {
			errs <- err

			http.Error(w, "invalid join url", http.StatusInternalServerError)
			return
		}

		png, err := qrcode.Encode(link, qrcode.Medium, qrSize)
		if err != nil {
			errs <- err

			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(png)))
		w.Header().Set("Cache-Control", "public, max-age=3600")
		securityHeaders(cfg, w)

		written, err := w.Write(png)
		if err != nil {
			errs <- err

			return
		}

		cfg.log.Debug().
			Str("room", code).
			Str("size", humanReadableSize(int64(written))).
			Str("ip", realIP(r)).
			Dur("elapsed", time.Since(startTime).Round(time.Microsecond)).
			Msg("served qr code")
	}
}
