package cve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Will-Luck/Fleet-Sentinel/internal/fleet"
	"github.com/Will-Luck/Fleet-Sentinel/internal/logging"
)

const (
	// querybatchChunk is the maximum queries per querybatch request.
	querybatchChunk = 100

	// requestTimeout bounds each OSV API call.
	requestTimeout = 60 * time.Second
)

// PackageQuery is one (ecosystem, package) tuple to look up.
type PackageQuery struct {
	Ecosystem string
	Name      string
}

// Client talks to an OSV-compatible API.
type Client struct {
	base string
	http *http.Client
	log  *logging.Logger
}

func NewClient(baseURL string, log *logging.Logger) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: requestTimeout},
		log:  log,
	}
}

type osvPackage struct {
	Name      string `json:"name"`
	Ecosystem string `json:"ecosystem"`
}

type osvQuery struct {
	Package   osvPackage `json:"package"`
	PageToken string     `json:"page_token,omitempty"`
}

type querybatchRequest struct {
	Queries []osvQuery `json:"queries"`
}

type querybatchResponse struct {
	Results []struct {
		Vulns []struct {
			ID string `json:"id"`
		} `json:"vulns"`
		NextPageToken string `json:"next_page_token"`
	} `json:"results"`
}

// QueryBatch returns the set of advisory ids affecting any of the
// given packages. Queries go out in chunks; per-query pagination is
// followed until exhausted.
func (c *Client) QueryBatch(ctx context.Context, queries []PackageQuery) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	pending := make([]osvQuery, 0, len(queries))
	for _, q := range queries {
		pending = append(pending, osvQuery{Package: osvPackage{Name: q.Name, Ecosystem: q.Ecosystem}})
	}

	for len(pending) > 0 {
		chunk := pending
		if len(chunk) > querybatchChunk {
			chunk = chunk[:querybatchChunk]
		}
		rest := pending[len(chunk):]

		resp, err := c.querybatch(ctx, chunk)
		if err != nil {
			return nil, err
		}
		if len(resp.Results) != len(chunk) {
			return nil, fleet.E(fleet.KindUpstreamUnavailable,
				"querybatch returned %d results for %d queries", len(resp.Results), len(chunk))
		}

		next := make([]osvQuery, 0, len(rest))
		for i, res := range resp.Results {
			for _, v := range res.Vulns {
				ids[v.ID] = struct{}{}
			}
			if res.NextPageToken != "" {
				q := chunk[i]
				q.PageToken = res.NextPageToken
				next = append(next, q)
			}
		}
		pending = append(next, rest...)
	}
	return ids, nil
}

func (c *Client) querybatch(ctx context.Context, queries []osvQuery) (*querybatchResponse, error) {
	body, err := json.Marshal(querybatchRequest{Queries: queries})
	if err != nil {
		return nil, fmt.Errorf("encode querybatch request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/querybatch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fleet.Wrap(fleet.KindUpstreamUnavailable, err, "querybatch request")
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fleet.E(fleet.KindUpstreamUnavailable, "querybatch returned %s", res.Status)
	}

	var out querybatchResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 32<<20)).Decode(&out); err != nil {
		return nil, fleet.Wrap(fleet.KindUpstreamUnavailable, err, "decode querybatch response")
	}
	return &out, nil
}

// osvVuln is the subset of the OSV vulnerability schema the mirror
// keeps.
type osvVuln struct {
	ID               string    `json:"id"`
	Summary          string    `json:"summary"`
	Details          string    `json:"details"`
	Published        time.Time `json:"published"`
	Aliases          []string  `json:"aliases"`
	DatabaseSpecific struct {
		Severity string `json:"severity"`
	} `json:"database_specific"`
	Affected []struct {
		Package osvPackage `json:"package"`
		Ranges  []struct {
			Type   string `json:"type"`
			Events []struct {
				Introduced string `json:"introduced"`
				Fixed      string `json:"fixed"`
			} `json:"events"`
		} `json:"ranges"`
		Versions []string `json:"versions"`
	} `json:"affected"`
	References []struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"references"`
}

// GetVuln hydrates one advisory and projects it onto the mirror's CVE
// shape for the given ecosystem. Affected entries for other ecosystems
// are dropped.
func (c *Client) GetVuln(ctx context.Context, id, ecosystem string) (*fleet.CVE, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/vulns/"+id, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fleet.Wrap(fleet.KindUpstreamUnavailable, err, "fetch vuln %s", id)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fleet.E(fleet.KindUpstreamUnavailable, "fetch vuln %s returned %s", id, res.Status)
	}

	var v osvVuln
	if err := json.NewDecoder(io.LimitReader(res.Body, 8<<20)).Decode(&v); err != nil {
		return nil, fleet.Wrap(fleet.KindUpstreamUnavailable, err, "decode vuln %s", id)
	}
	return projectVuln(&v, ecosystem), nil
}

func projectVuln(v *osvVuln, ecosystem string) *fleet.CVE {
	out := &fleet.CVE{
		ID:          v.ID,
		Ecosystem:   ecosystem,
		Severity:    parseSeverity(v.DatabaseSpecific.Severity),
		PublishedAt: v.Published,
		Summary:     v.Summary,
	}
	if out.Summary == "" {
		out.Summary = firstLine(v.Details)
	}
	for _, ref := range v.References {
		if ref.Type == "ADVISORY" {
			out.Source = ref.URL
			break
		}
	}
	if out.Source == "" && len(v.References) > 0 {
		out.Source = v.References[0].URL
	}

	fixed := make(map[string]struct{})
	for _, aff := range v.Affected {
		if aff.Package.Ecosystem != ecosystem {
			continue
		}
		ap := fleet.AffectedPackage{Name: aff.Package.Name, Versions: aff.Versions}
		for _, r := range aff.Ranges {
			if r.Type == "GIT" {
				continue // commit ranges are not comparable to package versions
			}
			vr := fleet.VersionRange{}
			for _, ev := range r.Events {
				if ev.Introduced != "" {
					if vr.Introduced != "" || vr.Fixed != "" {
						ap.Ranges = append(ap.Ranges, vr)
						vr = fleet.VersionRange{}
					}
					vr.Introduced = ev.Introduced
				}
				if ev.Fixed != "" {
					vr.Fixed = ev.Fixed
					fixed[ev.Fixed] = struct{}{}
				}
			}
			if vr.Introduced != "" || vr.Fixed != "" {
				ap.Ranges = append(ap.Ranges, vr)
			}
		}
		out.Affected = append(out.Affected, ap)
	}
	for f := range fixed {
		out.FixedIn = append(out.FixedIn, f)
	}
	sort.Strings(out.FixedIn)
	return out
}

func parseSeverity(s string) fleet.Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return fleet.SeverityCritical
	case "high":
		return fleet.SeverityHigh
	case "moderate", "medium":
		return fleet.SeverityMedium
	case "low":
		return fleet.SeverityLow
	default:
		return fleet.SeverityUnknown
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 200
	if len(s) > max {
		s = s[:max]
	}
	return strings.TrimSpace(s)
}
