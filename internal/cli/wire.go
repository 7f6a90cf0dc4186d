package cli

import (
	"fmt"
	"net/http"
	"sort"

	"postflow/internal/config"
	"postflow/internal/domain"
	"postflow/internal/handlers/dryrun"
	httppub "postflow/internal/handlers/http"
	"postflow/internal/handlers/telegram"
	"postflow/internal/worker"
)

// publishers builds one publisher per configured platform.
func publishers(cfg *config.Config) (map[domain.Platform]worker.Publisher, error) {
	out := make(map[domain.Platform]worker.Publisher, len(cfg.Platforms))
	client := &http.Client{}
	for _, name := range platformNames(cfg) {
		pc := cfg.Platforms[name]
		p, _ := domain.ParsePlatform(name)
		switch pc.Publisher {
		case config.PublisherHTTP:
			out[p] = httppub.Gateway{
				Platform:    p,
				BaseURL:     pc.BaseURL,
				IDField:     pc.IDField,
				Credentials: httppub.StaticCredentials{p: pc.ResolvedToken()},
				Client:      client,
			}
		case config.PublisherTelegram:
			tp, err := telegram.New(telegram.Config{Token: pc.ResolvedToken(), ChatID: pc.ChatID, APIURL: pc.APIURL})
			if err != nil {
				return nil, fmt.Errorf("platforms.%s: %w", name, err)
			}
			out[p] = tp
		case config.PublisherDryRun:
			out[p] = dryrun.Publisher{}
		default:
			return nil, fmt.Errorf("platforms.%s: unknown publisher %q", name, pc.Publisher)
		}
	}
	return out, nil
}

// enabledPlatforms lists the platforms that have a publisher.
func enabledPlatforms(pubs map[domain.Platform]worker.Publisher) []domain.Platform {
	out := make([]domain.Platform, 0, len(pubs))
	for _, p := range domain.Platforms {
		if _, ok := pubs[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

func platformNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Platforms))
	for name := range cfg.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func dispatchConfig(cfg *config.Config) worker.Config {
	wc := worker.Config{
		Workers:         cfg.Dispatch.Workers,
		PlatformWorkers: make(map[domain.Platform]int, len(cfg.Platforms)),
		Timeout:         cfg.PublishTimeout(),
		Limits:          limits(cfg),
	}
	for name, pc := range cfg.Platforms {
		if p, ok := domain.ParsePlatform(name); ok && pc.Workers > 0 {
			wc.PlatformWorkers[p] = pc.Workers
		}
	}
	return wc
}

func limits(cfg *config.Config) map[domain.Platform]worker.Limit {
	out := make(map[domain.Platform]worker.Limit, len(cfg.Platforms))
	for name, pc := range cfg.Platforms {
		if p, ok := domain.ParsePlatform(name); ok {
			out[p] = worker.Limit{PerSecond: pc.RatePerSecond, Burst: pc.Burst}
		}
	}
	return out
}
