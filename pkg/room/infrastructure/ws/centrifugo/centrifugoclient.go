package centrifugo

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/lightlink/signaling-service/pkg/room/domain/entity"
)

type PublishResponse struct {
	Error  *PublishErrorResponse   `json:"error,omitempty"`
	Result *PublishSuccessResponse `json:"result,omitempty"`
}

type PublishErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type PublishSuccessResponse struct {
	Offset int    `json:"offset"`
	Epoch  string `json:"epoch"`
}

type CentrifugoClient struct {
	httpClient *http.Client
	apiURL     string
	apiKey     string
}

func NewCentrifugoClient(apiURL, apiKey string) *CentrifugoClient {
	return &CentrifugoClient{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		apiURL:     apiURL,
		apiKey:     apiKey,
	}
}

func (c *CentrifugoClient) Publish(ctx context.Context, channel string, data interface{}) error {
	payload := map[string]interface{}{
		"channel": channel,
		"data":    data,
	}

	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal publish payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/api/publish", bytes.NewBuffer(jsonPayload))
	if err != nil {
		return err
	}

	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "centrifugo publish")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("centrifugo error: %s", resp.Status)
	}

	var publishResponse PublishResponse
	if err := json.NewDecoder(resp.Body).Decode(&publishResponse); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}

	if publishResponse.Error != nil {
		return errors.Errorf("centrifugo error: code %d, message: %s", publishResponse.Error.Code, publishResponse.Error.Message)
	}

	return nil
}

func (c *CentrifugoClient) PublishToRoom(ctx context.Context, roomName string, data interface{}) error {
	return c.Publish(ctx, entity.RoomChannel(roomName), data)
}
