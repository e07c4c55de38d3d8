// Package gemini is a minimal client for the Gemini generateContent
// REST API, covering the two calls the pipeline makes: text-out
// classification and image-out generation.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Client talks to the Gemini API.
type Client struct {
	apiKey     string
	baseURL    string
	imageModel string
	textModel  string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL. Used in tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Gemini client. Per-call deadlines come from the
// caller's context; the transport timeout is a backstop.
func NewClient(apiKey, imageModel, textModel string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		imageModel: imageModel,
		textModel:  textModel,
		httpClient: &http.Client{Timeout: 150 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Part is one piece of multimodal request content.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// InlineData carries base64-encoded binary content.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// ImagePart builds an inline-data part from raw bytes.
func ImagePart(mimeType string, data []byte) Part {
	return Part{InlineData: &InlineData{
		MimeType: mimeType,
		Data:     base64.StdEncoding.EncodeToString(data),
	}}
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Text: text}
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Parts []Part `json:"parts"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type generateResponse struct {
	Candidates []candidate `json:"candidates"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

// ImageResult is a successful image generation.
type ImageResult struct {
	ImageBase64 string
	MimeType    string
}

// GenerateImage runs the image model over the given parts and returns
// the first inline-data part of the response. Refusals and malformed
// responses map to this package's error types.
func (c *Client) GenerateImage(ctx context.Context, parts []Part) (*ImageResult, error) {
	resp, err := c.generate(ctx, c.imageModel, parts, []string{"IMAGE"})
	if err != nil {
		return nil, err
	}

	cand, err := firstCandidate(resp)
	if err != nil {
		return nil, err
	}
	for _, p := range cand.Content.Parts {
		if p.InlineData != nil && p.InlineData.Data != "" {
			mime := p.InlineData.MimeType
			if mime == "" {
				mime = "image/png"
			}
			return &ImageResult{ImageBase64: p.InlineData.Data, MimeType: mime}, nil
		}
	}

	// Model answered with prose instead of an image.
	return nil, &NoImageError{Text: truncate(textOf(cand), 200)}
}

// GenerateText runs the text model over the given parts and returns the
// concatenated text of the response.
func (c *Client) GenerateText(ctx context.Context, parts []Part) (string, error) {
	resp, err := c.generate(ctx, c.textModel, parts, []string{"TEXT"})
	if err != nil {
		return "", err
	}
	cand, err := firstCandidate(resp)
	if err != nil {
		return "", err
	}
	text := textOf(cand)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func (c *Client) generate(ctx context.Context, model string, parts []Part, modalities []string) (*generateResponse, error) {
	body, err := json.Marshal(generateRequest{
		Contents:         []content{{Parts: parts}},
		GenerationConfig: &generationConfig{ResponseModalities: modalities},
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("gemini: decoding response: %w", err)
	}
	return &out, nil
}

func firstCandidate(resp *generateResponse) (*candidate, error) {
	if len(resp.Candidates) == 0 {
		return nil, ErrEmptyResponse
	}
	cand := &resp.Candidates[0]
	switch cand.FinishReason {
	case "SAFETY":
		return nil, ErrSafetyBlocked
	case "RECITATION":
		return nil, ErrRecitationBlocked
	}
	if len(cand.Content.Parts) == 0 {
		return nil, ErrEmptyResponse
	}
	return cand, nil
}

func textOf(cand *candidate) string {
	var texts []string
	for _, p := range cand.Content.Parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
