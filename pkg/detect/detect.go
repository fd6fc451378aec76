// Package detect implements the Home Assistant Supervisor auto-detection
// probe used when a client's ha_server is configured as the "DETECT"
// sentinel, per spec §6/§9. Its only contract with the rest of the system is
// Resolve's (baseURL, useSSL) pair.
package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// SupervisorInfoURL is the fixed Supervisor endpoint probed during
// auto-detection.
const SupervisorInfoURL = "http://supervisor/core/info"

type supervisorInfoResponse struct {
	Data struct {
		IPAddress string `json:"ip_address"`
		Port      int    `json:"port"`
		SSL       bool   `json:"ssl"`
	} `json:"data"`
}

// Resolve queries the Supervisor API and returns the Home Assistant base URL
// it reports, along with whether it should be addressed over HTTPS.
func Resolve(ctx context.Context, supervisorToken string) (baseURL string, useSSL bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, SupervisorInfoURL, nil)
	if err != nil {
		return "", false, fmt.Errorf("build supervisor info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+supervisorToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("query supervisor info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("supervisor info returned status %d", resp.StatusCode)
	}

	var info supervisorInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", false, fmt.Errorf("decode supervisor info: %w", err)
	}

	scheme := "http"
	if info.Data.SSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, info.Data.IPAddress, info.Data.Port), info.Data.SSL, nil
}
