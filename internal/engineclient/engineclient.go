// Package engineclient is the one concrete binding for the pipeline's
// four external black boxes (recognizer, intent classifier, response
// generator, synthesizer): a pooled HTTP client that POSTs to a
// configured upstream URL and decodes a JSON response. It implements
// only the {input -> output, latency, error} contract the pipeline
// package specifies — no recognition, classification, generation, or
// synthesis logic lives here, since the engines themselves are out of
// scope. Grounded on the teacher's pattern of keeping one small client
// type per external concern (client/transport.go's HTTP fallback
// paths) and on internal/pool for reusing the underlying connection
// per upstream kind rather than dialing fresh per chunk.
package engineclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ninjacall/voicecore/internal/model"
	"github.com/ninjacall/voicecore/internal/pipeline"
	"github.com/ninjacall/voicecore/internal/pool"
)

// pooledClient wraps an *http.Client as a pool.Conn so the pool's reuse
// cache and per-user cap apply to upstream engine connections the same
// way they apply to any other pooled resource.
type pooledClient struct {
	id, userID, kind string
	client           *http.Client
}

func (c *pooledClient) ID() string     { return c.id }
func (c *pooledClient) UserID() string { return c.userID }
func (c *pooledClient) Kind() string   { return c.kind }
func (c *pooledClient) Close() error   { c.client.CloseIdleConnections(); return nil }

// Client is a pooled HTTP caller for one upstream engine endpoint.
type Client struct {
	kind    string
	baseURL string
	pool    *pool.Pool
	timeout time.Duration
	nextID  func() string
}

// New builds a Client for one engine kind (e.g. "recognizer"). baseURL
// is the upstream endpoint; p is the connection pool shared across all
// four engine clients (distinct Kind values keep their reuse caches
// separate).
func New(kind, baseURL string, p *pool.Pool, timeout time.Duration, nextID func() string) *Client {
	return &Client{kind: kind, baseURL: baseURL, pool: p, timeout: timeout, nextID: nextID}
}

func (c *Client) acquire(ctx context.Context, userID string) (*pooledClient, error) {
	conn, err := c.pool.Acquire(ctx, pool.AcquireRequest{
		UserID: userID,
		Kind:   c.kind,
		Create: func() (pool.Conn, error) {
			return &pooledClient{id: c.nextID(), userID: userID, kind: c.kind, client: &http.Client{Timeout: c.timeout}}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return conn.(*pooledClient), nil
}

func (c *Client) post(ctx context.Context, userID string, reqBody, respBody any) error {
	conn, err := c.acquire(ctx, userID)
	if err != nil {
		return fmt.Errorf("engineclient(%s): acquire: %w", c.kind, err)
	}
	defer c.pool.Release(conn.ID(), false)

	buf, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("engineclient(%s): marshal: %w", c.kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("engineclient(%s): build request: %w", c.kind, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := conn.client.Do(req)
	if err != nil {
		return fmt.Errorf("engineclient(%s): %w", c.kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("engineclient(%s): upstream status %d: %s", c.kind, resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(respBody)
}

// RecognizerClient adapts Client to pipeline.Recognizer.
type RecognizerClient struct{ *Client }

type recognizeRequest struct {
	Audio      []float32 `json:"audio"`
	SampleRate int       `json:"sampleRate"`
}

func (c RecognizerClient) Recognize(ctx context.Context, audio []float32, sampleRate int) (pipeline.RecognitionResult, error) {
	var out pipeline.RecognitionResult
	err := c.post(ctx, "", recognizeRequest{Audio: audio, SampleRate: sampleRate}, &out)
	return out, err
}

// ClassifierClient adapts Client to pipeline.IntentClassifier.
type ClassifierClient struct{ *Client }

type classifyRequest struct {
	Text  string              `json:"text"`
	Hints pipeline.IntentHints `json:"hints"`
}

func (c ClassifierClient) Classify(ctx context.Context, text string, hints pipeline.IntentHints) (model.Intent, error) {
	var out model.Intent
	err := c.post(ctx, "", classifyRequest{Text: text, Hints: hints}, &out)
	return out, err
}

// GeneratorClient adapts Client to pipeline.ResponseGenerator.
type GeneratorClient struct{ *Client }

type generateRequest struct {
	Intent            model.Intent                 `json:"intent"`
	RecentTranscripts []string                     `json:"recentTranscripts"`
	Profile           pipeline.PersonalityProfile `json:"profile"`
	Strategy          model.ResponseStrategy       `json:"strategy"`
}

func (c GeneratorClient) Generate(ctx context.Context, intent model.Intent, recentTranscripts []string, profile pipeline.PersonalityProfile, strategy model.ResponseStrategy) (model.Response, error) {
	var out model.Response
	err := c.post(ctx, profile.UserID, generateRequest{
		Intent:            intent,
		RecentTranscripts: recentTranscripts,
		Profile:           profile,
		Strategy:          strategy,
	}, &out)
	return out, err
}

// SynthesizerClient adapts Client to pipeline.Synthesizer.
type SynthesizerClient struct{ *Client }

type synthesizeRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voiceId"`
}

type synthesizeResponse struct {
	Audio []byte `json:"audio"`
}

func (c SynthesizerClient) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	var out synthesizeResponse
	err := c.post(ctx, "", synthesizeRequest{Text: text, VoiceID: voiceID}, &out)
	return out.Audio, err
}
