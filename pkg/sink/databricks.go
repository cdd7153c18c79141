package sink

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DatabricksUploader PUTs each flushed batch to a file under a Unity
// Catalog volume path via the Databricks Files API, authenticating with an
// OAuth2 client-credentials bearer token. The token source caches and
// proactively refreshes ahead of expiry on its own; no refresh loop here.
type DatabricksUploader struct {
	httpClient *http.Client
	host       string
	volumePath string
}

// NewDatabricksUploader builds an uploader that authenticates against host
// using the client-credentials grant and writes under volumePath. base, when
// non-nil, becomes the oauth2 token source's and the wrapped client's
// transport, so both the token fetch and every upload resolve the Databricks
// host through the same upstream DNS path as everything else this process
// does rather than the host resolver.
func NewDatabricksUploader(host, clientID, clientSecret, volumePath string, base *http.Client) *DatabricksUploader {
	oauthCfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     fmt.Sprintf("https://%s/oidc/v1/token", host),
		Scopes:       []string{"all-apis"},
	}

	ctx := context.Background()
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}

	return &DatabricksUploader{
		httpClient: oauthCfg.Client(ctx),
		host:       host,
		volumePath: volumePath,
	}
}

func (u *DatabricksUploader) Upload(ctx context.Context, payload []byte) error {
	objectPath := fmt.Sprintf("%s/%s-%s.ndjson", u.volumePath, time.Now().UTC().Format("20060102T150405Z"), ulid.Make().String())
	url := fmt.Sprintf("https://%s/api/2.0/fs/files%s", u.host, objectPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sink: build databricks request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sink: databricks upload to %s: %w", objectPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("sink: databricks upload to %s: status %s", objectPath, resp.Status)
	}
	return nil
}
