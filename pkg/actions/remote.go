package actions

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"reportgate/pkg/httpx"
	"reportgate/pkg/models"
	"reportgate/pkg/store"
)

// RemoteSource loads reports from an upstream HTTP API at
// GET {baseURL}/v1/reports/{reportID}.
type RemoteSource struct {
	BaseURL string
	Client  *http.Client
	Token   string
	Retry   httpx.Retry
}

func (r *RemoteSource) LoadReport(ctx context.Context, reportID string) (models.ReportBundle, error) {
	endpoint := strings.TrimRight(r.BaseURL, "/") + "/v1/reports/" + url.PathEscape(reportID)
	headers := map[string]string{"Accept": "application/json"}
	if r.Token != "" {
		headers["Authorization"] = "Bearer " + r.Token
	}
	resp, err := httpx.Fetch(ctx, r.Client, http.MethodGet, endpoint, nil, headers, r.Retry)
	if err != nil {
		return models.ReportBundle{}, fmt.Errorf("request report: %w", err)
	}
	switch {
	case resp.Status == http.StatusNotFound:
		return models.ReportBundle{}, fmt.Errorf("report %s: %w", reportID, store.ErrNotFound)
	case resp.Status != http.StatusOK:
		return models.ReportBundle{}, fmt.Errorf("report %s: upstream status %d after %d attempts", reportID, resp.Status, resp.Attempts)
	}
	var bundle models.ReportBundle
	if err := resp.DecodeJSON(&bundle); err != nil {
		return models.ReportBundle{}, err
	}
	if !bundle.Report.HasIdentity() {
		return models.ReportBundle{}, fmt.Errorf("report %s: %w", reportID, store.ErrNotFound)
	}
	return bundle, nil
}
