package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fourma/bikelocator/internal/bikes"
	"github.com/fourma/bikelocator/internal/locator"
	"github.com/fourma/bikelocator/pkg/logger"
)

type fakeFinder struct {
	mu         sync.Mutex
	queries    []string
	transports []string
	requestIDs []string
}

func (f *fakeFinder) FindBikes(ctx context.Context, query string) locator.Response {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.transports = append(f.transports, locator.TransportFrom(ctx))
	f.requestIDs = append(f.requestIDs, logger.RequestID(ctx))
	f.mu.Unlock()

	if query != "听5" {
		return locator.Response{Query: query, Message: "No matching location found for query: '" + query + "'"}
	}
	name := "听海苑5号楼"
	return locator.Response{
		Query:       query,
		MatchFound:  true,
		MatchedName: &name,
		Message:     "Found 1 bikes near 听海苑5号楼.",
		BikeData:    &bikes.Availability{Cars: []bikes.Bike{{Number: "A1", Distance: 3}}, Total: 1},
	}
}

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// run feeds lines to a fresh server and returns replies keyed by raw ID.
func run(t *testing.T, finder BikeFinder, lines ...string) map[string]rpcReply {
	t.Helper()
	var out bytes.Buffer
	s := NewLocatorServer(finder, "test")
	require.NoError(t, s.Serve(context.Background(), strings.NewReader(strings.Join(lines, "\n")+"\n"), &out))

	replies := map[string]rpcReply{}
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var r rpcReply
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r), sc.Text())
		assert.Equal(t, "2.0", r.JSONRPC)
		replies[string(r.ID)] = r
	}
	return replies
}

func TestInitializeHandshake(t *testing.T) {
	replies := run(t, &fakeFinder{},
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"claude","version":"1"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":"p","method":"ping"}`,
	)
	require.Len(t, replies, 2, "notifications get no response")

	var init struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
		Capabilities map[string]any `json:"capabilities"`
	}
	require.NoError(t, json.Unmarshal(replies["1"].Result, &init))
	assert.Equal(t, "2024-11-05", init.ProtocolVersion)
	assert.Equal(t, "4maLocator", init.ServerInfo.Name)
	assert.Equal(t, "test", init.ServerInfo.Version)
	assert.Contains(t, init.Capabilities, "tools")

	assert.Nil(t, replies[`"p"`].Error)
	assert.JSONEq(t, `{}`, string(replies[`"p"`].Result))
}

func TestInitializeFallsBackToLatestProtocol(t *testing.T) {
	replies := run(t, &fakeFinder{},
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"1999-01-01"}}`)
	var init struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	require.NoError(t, json.Unmarshal(replies["1"].Result, &init))
	assert.Equal(t, LatestProtocolVersion, init.ProtocolVersion)
}

func TestToolsList(t *testing.T) {
	replies := run(t, &fakeFinder{}, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)

	var list struct {
		Tools []Tool `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(replies["2"].Result, &list))
	require.Len(t, list.Tools, 1)
	tool := list.Tools[0]
	assert.Equal(t, "find_bikes", tool.Name)
	assert.Equal(t, "object", tool.InputSchema["type"])
	assert.Equal(t, []any{"query"}, tool.InputSchema["required"])
}

func TestToolsCallFindBikes(t *testing.T) {
	f := &fakeFinder{}
	replies := run(t, f,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"find_bikes","arguments":{"query":"听5"}}}`,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"find_bikes","arguments":{"query":"完全不相关的词语"}}}`,
	)

	var res struct {
		Content           []Content        `json:"content"`
		StructuredContent locator.Response `json:"structuredContent"`
		IsError           bool             `json:"isError"`
	}
	require.NoError(t, json.Unmarshal(replies["3"].Result, &res))
	assert.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "text", res.Content[0].Type)

	var fromText locator.Response
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].Text), &fromText))
	assert.Equal(t, fromText, res.StructuredContent)
	assert.True(t, fromText.MatchFound)
	require.NotNil(t, fromText.MatchedName)
	assert.Equal(t, "听海苑5号楼", *fromText.MatchedName)
	assert.Equal(t, 1, fromText.BikeData.Total)

	require.NoError(t, json.Unmarshal(replies["4"].Result, &res))
	assert.Contains(t, res.Content[0].Text, `"matched_name":null`)
	assert.Contains(t, res.Content[0].Text, `"bike_data":null`)

	assert.ElementsMatch(t, []string{"听5", "完全不相关的词语"}, f.queries)
	assert.Equal(t, []string{"mcp", "mcp"}, f.transports)
	for _, id := range f.requestIDs {
		assert.NotEmpty(t, id)
	}
}

func TestToolsCallEmptyQueryIsPassedThrough(t *testing.T) {
	f := &fakeFinder{}
	replies := run(t, f,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"find_bikes","arguments":{"query":""}}}`)
	assert.Nil(t, replies["5"].Error)
	assert.Equal(t, []string{""}, f.queries)
}

func TestErrors(t *testing.T) {
	f := &fakeFinder{}
	replies := run(t, f,
		`{not json`,
		`{"jsonrpc":"1.0","id":10,"method":"ping"}`,
		`{"jsonrpc":"2.0","id":11,"method":"resources/list"}`,
		`{"jsonrpc":"2.0","id":12,"method":"tools/call","params":{"name":"find_trains","arguments":{"query":"x"}}}`,
		`{"jsonrpc":"2.0","id":13,"method":"tools/call","params":{"name":"find_bikes","arguments":{}}}`,
		`{"jsonrpc":"2.0","id":14,"method":"tools/call","params":{"name":"find_bikes","arguments":{"query":5}}}`,
		`{"jsonrpc":"2.0","id":{"x":1},"method":"ping"}`,
		`{"jsonrpc":"2.0","method":"notifications/unknown"}`,
	)

	codes := map[string]int{}
	for id, r := range replies {
		require.NotNil(t, r.Error, "reply %s", id)
		codes[id] = r.Error.Code
	}
	assert.Equal(t, CodeInvalidRequest, codes["10"])
	assert.Equal(t, CodeMethodNotFound, codes["11"])
	assert.Equal(t, CodeInvalidParams, codes["12"])
	assert.Equal(t, CodeInvalidParams, codes["13"])
	assert.Equal(t, CodeInvalidParams, codes["14"])
	// The parse error and the object ID both answer with a null ID; the
	// later one overwrites the first in the map.
	assert.Contains(t, []int{CodeParseError, CodeInvalidRequest}, codes["null"])
	assert.Len(t, replies, 6)
	assert.Empty(t, f.queries)
}

func TestParseError(t *testing.T) {
	replies := run(t, &fakeFinder{}, `{"jsonrpc":`)
	require.Contains(t, replies, "null")
	assert.Equal(t, CodeParseError, replies["null"].Error.Code)
}

func TestValidJSONThatIsNotARequest(t *testing.T) {
	for _, line := range []string{`123`, `"x"`, `true`, `{"jsonrpc":"2.0","id":1,"method":5}`} {
		replies := run(t, &fakeFinder{}, line)
		require.Contains(t, replies, "null", line)
		assert.Equal(t, CodeInvalidRequest, replies["null"].Error.Code, line)
	}
}

func TestBatchRejected(t *testing.T) {
	replies := run(t, &fakeFinder{}, `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`)
	assert.Equal(t, CodeInvalidRequest, replies["null"].Error.Code)
}

func TestHandlerErrorsBecomeInternalErrors(t *testing.T) {
	s := NewServer()
	s.Register("boom", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("kaboom")
	})
	var out bytes.Buffer
	require.NoError(t, s.Serve(context.Background(), strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"boom"}`), &out))

	var r rpcReply
	require.NoError(t, json.Unmarshal(out.Bytes(), &r))
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeInternalError, r.Error.Code)
	assert.Equal(t, "kaboom", r.Error.Message)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var out bytes.Buffer
	go func() {
		done <- NewLocatorServer(&fakeFinder{}, "test").Serve(ctx, pr, &out)
	}()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServeOverPipe(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- NewLocatorServer(&fakeFinder{}, "test").Serve(context.Background(), inR, outW)
		outW.Close()
	}()

	replies := bufio.NewScanner(outR)
	_, err := io.WriteString(inW, `{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n")
	require.NoError(t, err)
	require.True(t, replies.Scan())
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, replies.Text())

	require.NoError(t, inW.Close())
	require.NoError(t, <-done)
}
