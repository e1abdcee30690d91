package headless

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp/kb"

	"github.com/JakeFAU/revision-crawler/internal/crawler"
)

const enterKey = kb.Enter

const readStorageScript = `(() => {
  const out = {};
  for (let i = 0; i < window.localStorage.length; i++) {
    const key = window.localStorage.key(i);
    out[key] = window.localStorage.getItem(key);
  }
  return out;
})()`

type fetchResult struct {
	Status     int    `json:"status"`
	Body       string `json:"body"`
	URL        string `json:"url"`
	Redirected bool   `json:"redirected"`
	Error      string `json:"error"`
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

func getAllCookies(ctx context.Context) ([]*network.Cookie, error) {
	cookies, err := storage.GetCookies().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	return cookies, nil
}

func writeStorageScript(items map[string]string) (string, error) {
	payload, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode local storage: %w", err)
	}
	return fmt.Sprintf(`((items) => {
  let n = 0;
  for (const [k, v] of Object.entries(items)) { window.localStorage.setItem(k, v); n++; }
  return n;
})(%s)`, payload), nil
}

func fetchScript(req crawler.PageRequest) (string, error) {
	target, err := json.Marshal(req.URL)
	if err != nil {
		return "", fmt.Errorf("encode fetch url: %w", err)
	}
	headers := req.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	hdrs, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("encode fetch headers: %w", err)
	}
	return fmt.Sprintf(`(async (url, headers) => {
  try {
    const resp = await fetch(url, { method: "GET", credentials: "include", headers });
    return { status: resp.status, body: await resp.text(), url: resp.url, redirected: resp.redirected, error: "" };
  } catch (e) {
    return { status: 0, body: "", url: url, redirected: false, error: String(e) };
  }
})(%s, %s)`, target, hdrs), nil
}

func fromNetworkCookies(in []*network.Cookie) []crawler.Cookie {
	out := make([]crawler.Cookie, 0, len(in))
	for _, c := range in {
		if c == nil {
			continue
		}
		cookie := crawler.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		}
		if !c.Session && c.Expires > 0 {
			cookie.Expires = c.Expires
		}
		out = append(out, cookie)
	}
	return out
}

func toCookieParams(in []crawler.Cookie) []*network.CookieParam {
	out := make([]*network.CookieParam, 0, len(in))
	for _, c := range in {
		param := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != "" {
			param.SameSite = network.CookieSameSite(c.SameSite)
		}
		if c.Expires > 0 {
			sec, frac := math.Modf(c.Expires)
			expires := cdp.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*1e9)))
			param.Expires = &expires
		}
		out = append(out, param)
	}
	return out
}
