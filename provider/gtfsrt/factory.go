package gtfsrt

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-retryablehttp"
	logging "github.com/ipfs/go-log/v2"

	"github.com/theoremus-urban-solutions/timetable-engine/provider"
)

var log = logging.Logger("timetable/gtfsrt")

const defaultTimeout = 10 * time.Second

// Factory builds GTFS-Realtime feed providers from definitions carrying a
// feedURL.
type Factory struct{}

func (Factory) Type() string { return "gtfsrt" }

// ValidateFormat checks the definition's structure without touching the
// network.
func (Factory) ValidateFormat(def provider.Definition) error {
	feedURL := def.Extra["feedURL"]
	if feedURL == "" {
		return fmt.Errorf("definition %s has no feedURL", def.ID)
	}
	u, err := url.Parse(feedURL)
	if err != nil {
		return fmt.Errorf("definition %s: bad feedURL: %w", def.ID, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("definition %s: feedURL must be http(s)", def.ID)
	}
	if ms, ok := def.Extra["timeoutMS"]; ok {
		if v, err := strconv.Atoi(ms); err != nil || v <= 0 {
			return fmt.Errorf("definition %s: timeoutMS must be a positive integer", def.ID)
		}
	}
	return nil
}

// Create constructs the provider and performs the initial feed read so a
// dead feed fails at import time rather than on the first fetch.
func (Factory) Create(ctx context.Context, def provider.Definition) (provider.Provider, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = defaultTimeout
	client.Logger = nil
	if ms, ok := def.Extra["timeoutMS"]; ok {
		if v, err := strconv.Atoi(ms); err == nil && v > 0 {
			client.HTTPClient.Timeout = time.Duration(v) * time.Millisecond
		}
	}

	p := &Provider{
		def:    def,
		url:    def.Extra["feedURL"],
		client: client,
	}
	snap, err := fetchSnapshot(ctx, client, p.url)
	if err != nil {
		return nil, fmt.Errorf("initial feed read: %w", err)
	}
	p.snap = snap
	log.Infow("imported feed", "provider", def.ID, "stops", len(snap.stopIDs))
	return p, nil
}

// Validate runs content checks against the imported feed, collecting every
// failure rather than stopping at the first.
func (Factory) Validate(ctx context.Context, pr provider.Provider) error {
	p, ok := pr.(*Provider)
	if !ok {
		return fmt.Errorf("provider is not a gtfsrt provider")
	}
	snap, err := p.current(ctx)
	if err != nil {
		return err
	}

	var result *multierror.Error
	if snap.header.IsZero() {
		result = multierror.Append(result, fmt.Errorf("feed header has no timestamp"))
	} else if age := time.Since(snap.header); age > time.Hour {
		result = multierror.Append(result, fmt.Errorf("feed is stale, header is %s old", age.Round(time.Minute)))
	}
	if len(snap.eventsByStop) == 0 {
		result = multierror.Append(result, fmt.Errorf("feed contains no trip updates"))
	}
	return result.ErrorOrNil()
}
