// Package iceconfig fetches per-channel ICE servers from the hub.
package iceconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pion/stun/v3"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshvoice/internal/domain"
)

const (
	DefaultTTL     = 5 * time.Minute
	requestTimeout = 5 * time.Second
)

// Provider implements core.ICEConfigProvider. Usable answers are cached per
// channel; blocked and fallback answers are not.
type Provider struct {
	base   string
	client *http.Client
	cache  *ttlcache.Cache[domain.ChannelKey, domain.ICEConfig]
}

func NewProvider(serverURL string, ttl time.Duration) *Provider {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Provider{
		base:   strings.TrimSuffix(serverURL, "/"),
		client: &http.Client{Timeout: requestTimeout},
		cache: ttlcache.New[domain.ChannelKey, domain.ICEConfig](
			ttlcache.WithTTL[domain.ChannelKey, domain.ICEConfig](ttl),
			ttlcache.WithDisableTouchOnHit[domain.ChannelKey, domain.ICEConfig](),
		),
	}
}

func (p *Provider) Fetch(ctx context.Context, key domain.ChannelKey) (domain.ICEConfig, error) {
	if item := p.cache.Get(key); item != nil {
		return item.Value(), nil
	}

	resp, err := p.request(ctx, key)
	if err != nil {
		return domain.ICEConfig{}, fmt.Errorf("%w: %w", domain.ErrICEUnavailable, err)
	}
	if resp.Blocked {
		return domain.ICEConfig{}, domain.ErrICEBlocked
	}

	servers := Sanitize(resp.ICEServers)
	if len(servers) == 0 {
		log.Warn().Str("module", "iceconfig").Str("topic", key.String()).Msg("no usable ice servers, using fallback")
		return domain.ICEConfig{Servers: domain.FallbackSTUNServers, Degraded: true}, nil
	}
	cfg := domain.ICEConfig{Servers: servers}
	p.cache.Set(key, cfg, ttlcache.DefaultTTL)
	return cfg, nil
}

// Invalidate forgets the cached answer for key.
func (p *Provider) Invalidate(key domain.ChannelKey) {
	p.cache.Delete(key)
}

func (p *Provider) request(ctx context.Context, key domain.ChannelKey) (domain.ICEResponse, error) {
	endpoint := fmt.Sprintf("%s/api/channels/%s/%s/ice", p.base, url.PathEscape(key.Community), url.PathEscape(key.Channel))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.ICEResponse{}, err
	}
	res, err := p.client.Do(req)
	if err != nil {
		return domain.ICEResponse{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return domain.ICEResponse{}, fmt.Errorf("ice endpoint status %d", res.StatusCode)
	}
	var out domain.ICEResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return domain.ICEResponse{}, fmt.Errorf("decode ice response: %w", err)
	}
	return out, nil
}

// Sanitize drops URLs that are not valid stun/turn URIs and servers left
// without any. TURN entries without credentials are dropped too.
func Sanitize(in []domain.ICEServer) []domain.ICEServer {
	out := make([]domain.ICEServer, 0, len(in))
	for _, s := range in {
		var urls []string
		for _, raw := range s.URLs {
			u, err := stun.ParseURI(raw)
			if err != nil {
				log.Debug().Err(err).Str("module", "iceconfig").Str("url", raw).Msg("skipping ice url")
				continue
			}
			if (u.Scheme == stun.SchemeTypeTURN || u.Scheme == stun.SchemeTypeTURNS) && (s.Username == "" || s.Credential == "") {
				continue
			}
			urls = append(urls, raw)
		}
		if len(urls) == 0 {
			continue
		}
		out = append(out, domain.ICEServer{URLs: urls, Username: s.Username, Credential: s.Credential})
	}
	return out
}
