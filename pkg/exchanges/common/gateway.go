package common

import "context"

// RawResponse is an HTTP reply from the broker with its body fully read.
type RawResponse struct {
	StatusCode int
	Body       []byte
}

// OK reports a 2xx status.
func (r *RawResponse) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// ClientError reports a 4xx status.
func (r *RawResponse) ClientError() bool {
	return r != nil && r.StatusCode >= 400 && r.StatusCode < 500
}

// Transport performs single broker round trips. A non-nil error means the
// request never produced an HTTP response (network failure, timeout).
type Transport interface {
	PlaceOrder(ctx context.Context, creds Credentials, req OrderRequest) (*RawResponse, error)
	CancelOrder(ctx context.Context, creds Credentials, brokerOrderID string) (*RawResponse, error)
	GetOrder(ctx context.Context, creds Credentials, brokerOrderID string) (*RawResponse, error)
	GetOrderBook(ctx context.Context, creds Credentials) (*RawResponse, error)
	GetLTP(ctx context.Context, creds Credentials, instruments InstrumentSet) (*RawResponse, error)
}
