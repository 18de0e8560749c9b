package cloud

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

type catalogEntry struct {
	PackageID string `json:"packageId"`
}

type launchRequest struct {
	PackageIDs []string `json:"packageIds"`
	Devices    []string `json:"devices"`
}

// GetLatestBuild returns the newest package for hardwareID whose id contains
// releaseType (e.g. "nightly", "release"), or "" when the catalog has none.
func (c *Client) GetLatestBuild(ctx context.Context, hardwareID, releaseType string) (string, error) {
	var p page[catalogEntry]
	_, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/packages",
		query: url.Values{
			"hardwareIds":   {hardwareID},
			"idContains":    {releaseType},
			"sortBy":        {"CreatedAt"},
			"sortDirection": {"Desc"},
			"limit":         {"1"},
		},
		out: &p,
	})
	if err != nil {
		return "", fmt.Errorf("latest %s build for %s: %w", releaseType, hardwareID, err)
	}
	if len(p.Values) == 0 {
		return "", nil
	}
	return p.Values[0].PackageID, nil
}

// GetAssignmentStatus returns the update assignments still pending for deviceUUID.
// An empty list means no update is outstanding.
func (c *Client) GetAssignmentStatus(ctx context.Context, deviceUUID string) ([]Assignment, error) {
	var p page[Assignment]
	_, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/updates/assignments",
		query:  url.Values{"deviceUuid": {deviceUUID}},
		out:    &p,
	})
	if err != nil {
		return nil, fmt.Errorf("assignments for %s: %w", deviceUUID, err)
	}
	return p.Values, nil
}

// LaunchUpdate assigns packageID to deviceUUID.
func (c *Client) LaunchUpdate(ctx context.Context, deviceUUID, packageID string) error {
	_, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/updates",
		body:   launchRequest{PackageIDs: []string{packageID}, Devices: []string{deviceUUID}},
	})
	if err != nil {
		return fmt.Errorf("launch update %s on %s: %w", packageID, deviceUUID, err)
	}
	c.logger.Info("update launched", "device_uuid", deviceUUID, "package_id", packageID)
	return nil
}
