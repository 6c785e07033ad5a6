package domain

import (
	"context"
	"net/http"
	"time"
)

// Header names exchanged with the service
const (
	HeaderSubStatus        = "x-ms-substatus"
	HeaderRetryAfterMs     = "x-ms-retry-after-ms"
	HeaderRetryAfter       = "Retry-After"
	HeaderActivityID       = "x-ms-activity-id"
	HeaderPartitionRangeID = "x-ms-documentdb-partitionkeyrangeid"
	HeaderSessionToken     = "x-ms-session-token"
	HeaderContinuation     = "x-ms-continuation"
	HeaderMaxItemCount     = "x-ms-max-item-count"
)

// Request is one logical operation handed to the pipeline. The pipeline
// sends a copy of it per attempt; callers never see per-attempt mutations.
type Request struct {
	Method       string
	ResourceLink string
	Header       http.Header
	Body         []byte
	Operation    OperationInfo
	Partition    PartitionScope
}

// Clone returns a copy that can be mutated independently
func (r *Request) Clone() *Request {
	out := *r
	out.Header = r.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	return &out
}

// Response is the raw outcome of one attempt as produced by a Transport.
type Response struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	Diagnostics Diagnostics
}

// Diagnostics summarises how a logical operation was served.
type Diagnostics struct {
	ActivityID         string        `json:"activity_id"`
	Attempts           int           `json:"attempts"`
	RegionsContacted   []string      `json:"regions_contacted"`
	EndpointsContacted []string      `json:"endpoints_contacted"`
	Duration           time.Duration `json:"duration"`
}

// Transport sends a single attempt to a single endpoint. A returned error
// means no status was received.
type Transport interface {
	Send(ctx context.Context, endpoint string, req *Request) (*Response, error)
}

// TopologySource fetches the account's regional layout.
type TopologySource interface {
	FetchAccountTopology(ctx context.Context) (*AccountTopology, error)
}

// MetadataSource fetches container metadata.
type MetadataSource interface {
	FetchContainerProperties(ctx context.Context, link string) (*ContainerProperties, error)
	FetchPartitionKeyRanges(ctx context.Context, collectionLink string) ([]PartitionKeyRange, error)
}

// TransportFunc adapts a function to the Transport interface
type TransportFunc func(ctx context.Context, endpoint string, req *Request) (*Response, error)

// Send calls f
func (f TransportFunc) Send(ctx context.Context, endpoint string, req *Request) (*Response, error) {
	return f(ctx, endpoint, req)
}
