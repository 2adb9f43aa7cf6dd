package analytics

import (
	"bytes"
	"context"
	"fmt"
	"github.com/chrislloyd/buildkite-test-analytics/util"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"io"
	"net/http"
	"net/url"
)

// Upload is the collector's answer to a new run: where to connect and which
// channel to report on.
type Upload struct {
	ID      string `json:"id"`
	Cable   string `json:"cable"`
	Channel string `json:"channel"`
}

func (u *Upload) CableURL() (*url.URL, error) {
	cableURL, err := url.Parse(u.Cable)
	if err != nil {
		return nil, errors.Annotate(err, "parsing cable url")
	}
	return cableURL, nil
}

func AuthorizationHeader(token string) string {
	return fmt.Sprintf(`Token token="%s"`, token)
}

type uploadRequest struct {
	RunEnv RunEnv `json:"run_env"`
}

// Bootstrap registers a run with the collector.
func Bootstrap(ctx context.Context, client *http.Client, uploadURL, token string, runEnv RunEnv) (*Upload, error) {
	logger := util.GetLogger("storage/analytics", "Bootstrap")
	body, err := json.Marshal(uploadRequest{RunEnv: runEnv})
	if err != nil {
		return nil, errors.Trace(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Trace(err)
	}
	req.Header.Set("Authorization", AuthorizationHeader(token))
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Annotate(err, "requesting upload")
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Annotate(err, "reading upload response")
	}

	requestID := resp.Header.Get("X-Request-Id")
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, errors.Unauthorizedf("analytics token")
	case resp.StatusCode != http.StatusOK:
		logger.Error("Upload request failed", zap.Int("status", resp.StatusCode), zap.String("requestID", requestID), zap.ByteString("body", data))
		return nil, errors.Errorf("upload request failed with status %d (x-request-id %q)", resp.StatusCode, requestID)
	}

	upload := &Upload{}
	if err := json.Unmarshal(data, upload); err != nil {
		return nil, errors.Annotate(err, "decoding upload response")
	}
	if upload.Cable == "" || upload.Channel == "" {
		return nil, errors.NotValidf("upload response without cable or channel")
	}
	logger.Info("Registered run", zap.String("upload", upload.ID), zap.String("requestID", requestID))
	return upload, nil
}
