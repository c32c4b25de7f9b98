// Package catalog is the application catalog (C7): an in-memory set of
// deployable application descriptors (Airflow, Spark, Grafana, Prefect),
// their config/endpoint schemas, config validation, and a singleflight +
// TTL cache over each application's upstream version list.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/datainfrapilot/datainfrapilot/pkg/types"
)

// VersionFetcher resolves the list of installable versions for an
// application from its upstream registry (e.g. the Apache Airflow GitHub
// releases API). Each application descriptor carries its own fetcher.
type VersionFetcher func(ctx context.Context) ([]string, error)

type cachedVersions struct {
	versions  []string
	fetchedAt time.Time
}

// Catalog holds the static descriptor set plus the shared version cache.
type Catalog struct {
	apps map[string]*types.Application

	fetchers map[string]VersionFetcher
	group    singleflight.Group
	mu       sync.Mutex
	cache    map[string]cachedVersions
	ttl      time.Duration
}

// New builds a Catalog from apps, each optionally paired with a
// VersionFetcher in fetchers (apps without one return their descriptor's
// static default list).
func New(apps []*types.Application, fetchers map[string]VersionFetcher) *Catalog {
	byID := make(map[string]*types.Application, len(apps))
	for _, a := range apps {
		byID[a.ID] = a
	}
	return &Catalog{
		apps:     byID,
		fetchers: fetchers,
		cache:    make(map[string]cachedVersions),
		ttl:      5 * time.Minute,
	}
}

func (c *Catalog) List() []*types.Application {
	out := make([]*types.Application, 0, len(c.apps))
	for _, a := range c.apps {
		out = append(out, a)
	}
	return out
}

func (c *Catalog) Get(id string) (*types.Application, error) {
	app, ok := c.apps[id]
	if !ok {
		return nil, fmt.Errorf("catalog: unknown application %q", id)
	}
	return app, nil
}

// Versions returns the application's installable version list, served from
// a 5-minute TTL cache. Concurrent misses for the same application collapse
// into one upstream fetch via singleflight.
func (c *Catalog) Versions(ctx context.Context, appID string) ([]string, error) {
	app, err := c.Get(appID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if entry, ok := c.cache[appID]; ok && time.Since(entry.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return entry.versions, nil
	}
	c.mu.Unlock()

	fetcher, ok := c.fetchers[appID]
	if !ok {
		return staticSelectOptions(app), nil
	}

	result, err, _ := c.group.Do(appID, func() (any, error) {
		versions, err := fetcher(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[appID] = cachedVersions{versions: versions, fetchedAt: time.Now()}
		c.mu.Unlock()
		return versions, nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: fetch versions for %s: %w", appID, err)
	}
	return result.([]string), nil
}

func staticSelectOptions(app *types.Application) []string {
	for _, opt := range app.ConfigOptions {
		if opt.FetchedVersions {
			return opt.SelectOptions
		}
	}
	return nil
}

// AccessEndpoints returns the application's endpoint schema.
func (c *Catalog) AccessEndpoints(appID string) ([]types.EndpointSchema, error) {
	app, err := c.Get(appID)
	if err != nil {
		return nil, err
	}
	return app.Endpoints, nil
}

// ValidationError describes one invalid or missing config field.
type ValidationError struct {
	Field  string
	Reason string
}

func (v ValidationError) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Reason)
}

// ApplyDefaults returns a copy of config with every ConfigOption.Default
// filled in for a key the caller omitted. It runs before Validate and
// before the result is persisted as Deployment.Config, so every key a
// values template references is guaranteed present by the time it renders.
func ApplyDefaults(app *types.Application, config map[string]any) map[string]any {
	merged := make(map[string]any, len(config))
	for k, v := range config {
		merged[k] = v
	}
	for _, opt := range app.ConfigOptions {
		if opt.Default == nil {
			continue
		}
		if _, ok := merged[opt.ID]; !ok {
			merged[opt.ID] = opt.Default
		}
	}
	return merged
}

// Validate checks config against app's schema: required fields, types, and
// conditional visibility (a hidden field is treated as absent), plus
// per-application special rules layered on top via specialRules.
func Validate(app *types.Application, config map[string]any) []ValidationError {
	var errs []ValidationError

	for _, opt := range app.ConfigOptions {
		visible := isVisible(opt, config)
		value, present := config[opt.ID]

		if !visible {
			continue
		}
		if opt.Required && !present {
			errs = append(errs, ValidationError{Field: opt.ID, Reason: "required"})
			continue
		}
		if !present {
			continue
		}
		if err := checkType(opt, value); err != "" {
			errs = append(errs, ValidationError{Field: opt.ID, Reason: err})
		}
	}

	if rule, ok := specialRules[app.ID]; ok {
		errs = append(errs, rule(config)...)
	}

	return errs
}

func isVisible(opt types.ConfigOption, config map[string]any) bool {
	if opt.Conditional == nil {
		return true
	}
	actual, present := config[opt.Conditional.Field]
	if !present {
		return false
	}
	return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", opt.Conditional.Value)
}

func checkType(opt types.ConfigOption, value any) string {
	switch opt.Type {
	case types.ConfigFieldText:
		if _, ok := value.(string); !ok {
			return "must be text"
		}
	case types.ConfigFieldNumber:
		switch value.(type) {
		case int, int64, float64:
		default:
			return "must be a number"
		}
	case types.ConfigFieldBoolean:
		if _, ok := value.(bool); !ok {
			return "must be a boolean"
		}
	case types.ConfigFieldSelect:
		str, ok := value.(string)
		if !ok {
			return "must be a select option"
		}
		if len(opt.SelectOptions) > 0 && !contains(opt.SelectOptions, str) {
			return fmt.Sprintf("must be one of %v", opt.SelectOptions)
		}
	}
	return ""
}

func contains(options []string, v string) bool {
	for _, o := range options {
		if o == v {
			return true
		}
	}
	return false
}

// specialRules holds the per-application rules §4.7 calls out beyond the
// generic schema (Airflow's DAG URL scheme, custom-image gating).
var specialRules = map[string]func(config map[string]any) []ValidationError{
	"airflow": validateAirflow,
}

func validateAirflow(config map[string]any) []ValidationError {
	var errs []ValidationError

	if repoURL, ok := config["dags_repository_url"].(string); ok && repoURL != "" {
		if !strings.HasPrefix(repoURL, "http://") && !strings.HasPrefix(repoURL, "https://") && !strings.HasPrefix(repoURL, "git@") {
			errs = append(errs, ValidationError{Field: "dags_repository_url", Reason: "must begin with http://, https:// or git@"})
		}
	}

	if customImage, _ := config["custom_image_enabled"].(bool); customImage {
		if registry, _ := config["custom_image_registry"].(string); registry == "" {
			errs = append(errs, ValidationError{Field: "custom_image_registry", Reason: "required when custom_image_enabled is true"})
		}
		if tag, _ := config["custom_image_tag"].(string); tag == "" {
			errs = append(errs, ValidationError{Field: "custom_image_tag", Reason: "required when custom_image_enabled is true"})
		}
	}

	return errs
}
