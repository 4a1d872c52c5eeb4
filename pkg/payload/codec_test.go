package payload

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type greeting struct {
	Name string `json:"name"`
}

type answer struct {
	Text string `json:"text"`
}

func TestJSONCodec(t *testing.T) {
	c := JSON{}

	data, err := c.Marshal(&greeting{Name: "ada"})
	require.NoError(t, err)

	var got greeting
	require.NoError(t, c.Unmarshal(data, &got))
	require.Equal(t, "ada", got.Name)
}

func TestBytesCodec(t *testing.T) {
	c := Bytes{}

	data, err := c.Marshal([]byte("raw"))
	require.NoError(t, err)
	require.Equal(t, "raw", string(data))

	var got []byte
	require.NoError(t, c.Unmarshal([]byte("back"), &got))
	require.Equal(t, "back", string(got))

	_, err = c.Marshal("not bytes")
	require.ErrorIs(t, err, ErrTypeMismatch)
	require.ErrorIs(t, c.Unmarshal(nil, &greeting{}), ErrTypeMismatch)
}

func TestHandle(t *testing.T) {
	h := Handle(JSON{}, func(_ context.Context, req *greeting) (*answer, error) {
		if req.Name == "" {
			return nil, errors.New("who are you")
		}
		return &answer{Text: "hello " + req.Name}, nil
	})

	t.Run("typed round trip", func(t *testing.T) {
		out, err := h.ServeRPC(context.Background(), []byte(`{"name":"ada"}`))
		require.NoError(t, err)

		var got answer
		require.NoError(t, JSON{}.Unmarshal(out, &got))
		require.Equal(t, "hello ada", got.Text)
	})

	t.Run("service errors pass through", func(t *testing.T) {
		_, err := h.ServeRPC(context.Background(), []byte(`{}`))
		require.EqualError(t, err, "who are you")
	})

	t.Run("undecodable payloads fail the call", func(t *testing.T) {
		_, err := h.ServeRPC(context.Background(), []byte("not json"))
		require.Error(t, err)
	})
}
