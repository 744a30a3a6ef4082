package cloak

import (
	"context"
	"testing"

	"github.com/enetx/http"
	"github.com/stretchr/testify/require"
)

func TestExplicitHeaderOrderWinsOverDeclarationOrder(t *testing.T) {
	t.Parallel()

	req := NewRequest("https://example.com/")
	req.Method = http.MethodGet
	req.Headers.Set("B-Second", "2")
	req.Headers.Set("A-First", "1")
	req.OrderHeadersAsProvided = true
	req.HeaderOrder = []string{"a-first", "b-second"}

	res := &resolved{headerOrder: req.HeaderOrder}

	hreq, err := buildHTTPRequest(context.Background(), req, res)
	require.NoError(t, err)
	require.Equal(t, []string{"a-first", "b-second"}, hreq.Header[http.HeaderOrderKey])
}

func TestDeclarationOrderAppliesWithoutExplicitOrder(t *testing.T) {
	t.Parallel()

	req := NewRequest("https://example.com/")
	req.Method = http.MethodGet
	req.Headers.Set("B-Second", "2")
	req.Headers.Set("A-First", "1")
	req.OrderHeadersAsProvided = true

	hreq, err := buildHTTPRequest(context.Background(), req, &resolved{})
	require.NoError(t, err)
	require.Equal(t, []string{"b-second", "a-first"}, hreq.Header[http.HeaderOrderKey])
}
