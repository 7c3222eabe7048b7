package opensearch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/imroc/req/v3"

	"github.com/loykin/autologout/internal/history"
)

// Sink sends events to OpenSearch (or Elasticsearch) over HTTP.
// Each event is POSTed as one document to baseURL/index/_doc.
type Sink struct {
	client  *req.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	c := req.C().SetTimeout(5 * time.Second)
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

// WithBasicAuth sets credentials for every request.
func (s *Sink) WithBasicAuth(username, password string) *Sink {
	s.client.SetCommonBasicAuth(username, password)
	return s
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	u := fmt.Sprintf("%s/%s/_doc", s.baseURL, s.index)
	resp, err := s.client.R().
		SetContext(ctx).
		SetBodyJsonMarshal(e).
		Post(u)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}
