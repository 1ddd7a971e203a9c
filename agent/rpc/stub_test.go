package rpc

import (
	"context"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testAPI interface {
	Add(ctx context.Context, a, b int) (int, error)
	Fail(ctx context.Context) error
	Count(ctx context.Context, n int) (*Stream, error)
	Notify(ctx context.Context, msg string)
}

func TestDescribeInterface(t *testing.T) {
	desc, err := DescribeInterface("Test", "1", (*testAPI)(nil))
	require.NoError(t, err)
	require.Equal(t, "Test", desc.Service)
	require.Equal(t, "1", desc.Version)

	cases := map[string]struct {
		mode   MethodMode
		params int
		result reflect.Type
	}{
		"Add":    {ModeUnary, 2, reflect.TypeOf(0)},
		"Fail":   {ModeUnary, 0, nil},
		"Count":  {ModeStream, 1, nil},
		"Notify": {ModeOneWay, 1, nil},
	}
	require.Len(t, desc.Methods, len(cases))
	for name, tc := range cases {
		md := desc.Methods[name]
		require.Equal(t, tc.mode, md.Mode, name)
		require.Len(t, md.Params, tc.params, name)
		require.Equal(t, tc.result, md.Result, name)
	}

	type noContext interface{ Do(int) error }
	_, err = DescribeInterface("x", "", (*noContext)(nil))
	require.Error(t, err)

	_, err = DescribeInterface("x", "", testService{})
	require.Error(t, err)
}

func TestStub(t *testing.T) {
	_, svc, addr := testServer(t, ServerConfig{})
	client := testClient(t, addr, ClientConfig{})

	desc, err := DescribeInterface("Test", "1", (*testAPI)(nil))
	require.NoError(t, err)
	md := desc.Methods["Add"]
	md.Timeout = 2 * time.Second
	desc.Methods["Add"] = md
	stub := NewStub(desc, client)
	ctx := context.Background()

	sum, err := CallFor[int](ctx, stub, "Add", 20, 22)
	require.NoError(t, err)
	require.Equal(t, 42, sum)

	err = stub.Call(ctx, "Fail", nil)
	require.True(t, IsStatus(err, StatusServiceError))

	require.NoError(t, stub.Notify(ctx, "Notify", "hi"))
	select {
	case msg := <-svc.notified:
		require.Equal(t, "hi", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("notify was not delivered")
	}

	stream, err := stub.Stream(ctx, "Count", 3)
	require.NoError(t, err)
	n := 0
	for {
		_, err := stream.Recv(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		n++
	}
	require.Equal(t, 3, n)

	t.Run("caller errors", func(t *testing.T) {
		require.ErrorIs(t, stub.Call(ctx, "Nope", nil), ErrUnknownMethod)
		require.Error(t, stub.Call(ctx, "Count", nil, 1))
		require.Error(t, stub.Call(ctx, "Add", nil, 1))
		_, err := stub.Stream(ctx, "Add", 1, 2)
		require.Error(t, err)
	})
}
