package pinning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultPinataURL is the Pinata pinning API.
const DefaultPinataURL = "https://api.pinata.cloud"

// PinataConfig holds Pinata credentials. JWT takes precedence over the key pair.
type PinataConfig struct {
	BaseURL   string
	JWT       string
	APIKey    string
	SecretKey string
	Timeout   time.Duration
}

// PinataUploader pins JSON envelopes through the Pinata HTTP API.
type PinataUploader struct {
	client *resty.Client
}

type pinataRequest struct {
	Content  json.RawMessage `json:"pinataContent"`
	Metadata pinataMetadata  `json:"pinataMetadata"`
}

type pinataMetadata struct {
	Name string `json:"name"`
}

type pinataResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

// NewPinataUploader creates a Pinata client. Requires a JWT or a key pair.
func NewPinataUploader(cfg PinataConfig) (*PinataUploader, error) {
	if cfg.JWT == "" && (cfg.APIKey == "" || cfg.SecretKey == "") {
		return nil, errors.New("pinata requires a JWT or an API key and secret")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultPinataURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	if cfg.JWT != "" {
		client.SetAuthToken(cfg.JWT)
	} else {
		client.SetHeader("pinata_api_key", cfg.APIKey).
			SetHeader("pinata_secret_api_key", cfg.SecretKey)
	}

	return &PinataUploader{client: client}, nil
}

// Upload pins data, which must be a JSON document, and returns its CID.
func (p *PinataUploader) Upload(ctx context.Context, name string, data []byte) (string, error) {
	if !json.Valid(data) {
		return "", errors.New("pinata: content is not valid JSON")
	}

	var result pinataResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(pinataRequest{Content: data, Metadata: pinataMetadata{Name: name}}).
		SetResult(&result).
		Post("/pinning/pinJSONToIPFS")
	if err != nil {
		return "", fmt.Errorf("failed to call pinata: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("pinata returned status %d", resp.StatusCode())
	}
	if !ValidCID(result.IpfsHash) {
		return "", fmt.Errorf("pinata returned invalid CID %q", result.IpfsHash)
	}
	return result.IpfsHash, nil
}

// Name identifies the uploader in logs.
func (p *PinataUploader) Name() string { return "pinata" }
