package cloud

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

const pageLimit = 100

// ListProvisionedDevices returns every device provisioned on the account,
// following pagination.
func (c *Client) ListProvisionedDevices(ctx context.Context) ([]Device, error) {
	var out []Device
	for offset := 0; ; {
		var p page[Device]
		_, err := c.do(ctx, request{
			method: http.MethodGet,
			path:   "/devices",
			query:  url.Values{"offset": {strconv.Itoa(offset)}, "limit": {strconv.Itoa(pageLimit)}},
			out:    &p,
		})
		if err != nil {
			return nil, fmt.Errorf("list provisioned devices: %w", err)
		}
		out = append(out, p.Values...)
		offset += len(p.Values)
		if len(p.Values) == 0 || int64(offset) >= p.Total {
			break
		}
	}
	c.logger.Info("got provisioned devices", "count", len(out))
	return out, nil
}

// GetPackageMetadata returns what deviceUUID reports as installed, or nil if
// the device has not reported yet.
func (c *Client) GetPackageMetadata(ctx context.Context, deviceUUID string) (*PackageMetadata, error) {
	var p page[PackageMetadata]
	_, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/devices/packages",
		query:  url.Values{"deviceUuid": {deviceUUID}},
		out:    &p,
	})
	if err != nil {
		return nil, fmt.Errorf("package metadata for %s: %w", deviceUUID, err)
	}
	for i := range p.Values {
		if p.Values[i].DeviceUUID == deviceUUID {
			return &p.Values[i], nil
		}
	}
	return nil, nil
}

// GetNetworkInfo returns the LAN details deviceUUID last reported, or nil if
// it has reported none.
func (c *Client) GetNetworkInfo(ctx context.Context, deviceUUID string) (*NetworkInfo, error) {
	var info NetworkInfo
	status, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/devices/network/" + deviceUUID,
		accept: []int{http.StatusNotFound},
		out:    &info,
	})
	if err != nil {
		return nil, fmt.Errorf("network info for %s: %w", deviceUUID, err)
	}
	if status == http.StatusNotFound || info.LocalIPv4 == "" {
		return nil, nil
	}
	return &info, nil
}
