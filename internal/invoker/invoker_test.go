package invoker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/arazzo/internal/document"
	"github.com/rendis/arazzo/internal/expressions"
	"github.com/rendis/arazzo/pkg/schema"
)

func getPetOp(server string) *document.Operation {
	return &document.Operation{
		ID:           "getPet",
		Method:       "GET",
		PathTemplate: "/pets/{petId}",
		Server:       server,
		Parameters: []document.OperationParameter{
			{Name: "petId", In: schema.InPath, Required: true},
			{Name: "verbose", In: schema.InQuery},
		},
	}
}

func bindScope() *expressions.Scope {
	return &expressions.Scope{
		Inputs: map[string]any{"petId": float64(42), "token": "s3cret"},
		Steps:  map[string]map[string]any{},
	}
}

func TestInvoker_Bind(t *testing.T) {
	inv := New(Config{})

	step := &schema.Step{
		StepID:      "find",
		OperationID: "getPet",
		Parameters: []schema.Parameter{
			{Name: "petId", In: schema.InPath, Value: "$inputs.petId"},
			{Name: "verbose", In: schema.InQuery, Value: true},
			{Name: "Authorization", In: schema.InHeader, Value: "Bearer {$inputs.token}"},
			{Name: "session", In: schema.InCookie, Value: "abc"},
		},
	}

	req, err := inv.Bind(getPetOp("https://petstore.example"), step, bindScope(), "petstore")
	require.NoError(t, err)

	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "https://petstore.example/pets/42?verbose=true", req.URL)
	assert.Equal(t, "Bearer s3cret", req.Headers["Authorization"])
	assert.Equal(t, "abc", req.Cookies["session"])
	assert.Nil(t, req.Body)
}

func TestInvoker_Bind_deterministic(t *testing.T) {
	inv := New(Config{})
	step := &schema.Step{
		StepID: "find",
		Parameters: []schema.Parameter{
			{Name: "petId", In: schema.InPath, Value: "$inputs.petId"},
		},
	}

	first, err := inv.Bind(getPetOp("https://petstore.example"), step, bindScope(), "petstore")
	require.NoError(t, err)
	second, err := inv.Bind(getPetOp("https://petstore.example"), step, bindScope(), "petstore")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestInvoker_Bind_serverOverride(t *testing.T) {
	inv := New(Config{ServerOverrides: map[string]string{"petstore": "http://localhost:9999/"}})
	step := &schema.Step{
		StepID:     "find",
		Parameters: []schema.Parameter{{Name: "petId", In: schema.InPath, Value: 7}},
	}

	req, err := inv.Bind(getPetOp("https://petstore.example"), step, bindScope(), "petstore")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9999/pets/7", req.URL)
}

func TestInvoker_Bind_locationFromDeclaration(t *testing.T) {
	inv := New(Config{})
	step := &schema.Step{
		StepID: "find",
		Parameters: []schema.Parameter{
			{Name: "petId", Value: 7},          // location comes from the operation
			{Name: "verbose", Value: "full"},   // declared as query
		},
	}

	req, err := inv.Bind(getPetOp("https://petstore.example"), step, bindScope(), "petstore")
	require.NoError(t, err)
	assert.Equal(t, "https://petstore.example/pets/7?verbose=full", req.URL)
}

func TestInvoker_Bind_errors(t *testing.T) {
	inv := New(Config{})

	assertBinding := func(t *testing.T, err error) {
		t.Helper()
		var ae *schema.ArazzoError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, schema.ErrCodeBinding, ae.Code)
		assert.Equal(t, "find", ae.StepID)
	}

	t.Run("no server and no override", func(t *testing.T) {
		step := &schema.Step{StepID: "find"}
		_, err := inv.Bind(getPetOp(""), step, bindScope(), "petstore")
		assertBinding(t, err)
	})

	t.Run("missing required parameter", func(t *testing.T) {
		step := &schema.Step{StepID: "find"}
		_, err := inv.Bind(getPetOp("https://petstore.example"), step, bindScope(), "petstore")
		assertBinding(t, err)
	})

	t.Run("unknown parameter location", func(t *testing.T) {
		step := &schema.Step{
			StepID: "find",
			Parameters: []schema.Parameter{
				{Name: "petId", In: schema.InPath, Value: 7},
				{Name: "weird", In: "matrix", Value: 1},
			},
		}
		_, err := inv.Bind(getPetOp("https://petstore.example"), step, bindScope(), "petstore")
		assertBinding(t, err)
	})

	t.Run("unresolved parameter expression", func(t *testing.T) {
		step := &schema.Step{
			StepID: "find",
			Parameters: []schema.Parameter{
				{Name: "petId", In: schema.InPath, Value: "$inputs.missing"},
			},
		}
		_, err := inv.Bind(getPetOp("https://petstore.example"), step, bindScope(), "petstore")
		var ae *schema.ArazzoError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, schema.ErrCodeUnresolvedRef, ae.Code)
		assert.Equal(t, "find", ae.StepID)
	})
}

func TestInvoker_Invoke_endToEnd(t *testing.T) {
	var captured *http.Request
	var capturedBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Clone(r.Context())
		capturedBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 7, "name": "rex"}`))
	}))
	defer srv.Close()

	inv := New(Config{
		ServerOverrides: map[string]string{"petstore": srv.URL},
		Headers:         map[string]string{"X-Api-Key": "k1"},
	})

	op := &document.Operation{
		ID:           "createPet",
		Method:       "POST",
		PathTemplate: "/pets",
	}
	step := &schema.Step{
		StepID: "adopt",
		RequestBody: &schema.RequestBody{
			Payload: map[string]any{"name": "$inputs.token", "age": 3},
		},
	}

	resp, err := inv.Invoke(context.Background(), op, step, bindScope(), "petstore")
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "POST", resp.Method)
	assert.Equal(t, srv.URL+"/pets", resp.URL)
	contentType, _ := resp.Header("content-type")
	assert.Equal(t, "application/json", contentType)

	body, ok := resp.Body.(map[string]any)
	require.True(t, ok, "JSON response decoded into a map")
	assert.Equal(t, float64(7), body["id"])
	assert.Equal(t, "rex", body["name"])

	require.NotNil(t, captured)
	assert.Equal(t, "application/json", captured.Header.Get("Content-Type"))
	assert.Equal(t, "k1", captured.Header.Get("X-Api-Key"))

	var sent map[string]any
	require.NoError(t, json.Unmarshal(capturedBody, &sent))
	assert.Equal(t, "s3cret", sent["name"], "body expressions resolved before send")
}

func TestInvoker_Invoke_non2xxIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error": "no such pet"}`))
	}))
	defer srv.Close()

	inv := New(Config{ServerOverrides: map[string]string{"petstore": srv.URL}})
	step := &schema.Step{
		StepID:     "find",
		Parameters: []schema.Parameter{{Name: "petId", In: schema.InPath, Value: 1}},
	}

	resp, err := inv.Invoke(context.Background(), getPetOp(""), step, bindScope(), "petstore")
	require.NoError(t, err, "status judgement belongs to success criteria")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInvoker_Do_transportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	inv := New(Config{})
	_, err := inv.Do(context.Background(), &Request{Method: "GET", URL: srv.URL + "/pets"})

	var ae *schema.ArazzoError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, schema.ErrCodeTransport, ae.Code)
}

func TestInvoker_Do_cookiesAndNonJSONBody(t *testing.T) {
	var cookie string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err == nil {
			cookie = c.Value
		}
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	inv := New(Config{})
	resp, err := inv.Do(context.Background(), &Request{
		Method:      "POST",
		URL:         srv.URL + "/notes",
		Cookies:     map[string]string{"session": "abc"},
		Body:        "plain text note",
		ContentType: "text/plain",
	})
	require.NoError(t, err)

	assert.Equal(t, "abc", cookie)
	assert.Equal(t, "plain text note", string(body))
	assert.Equal(t, "ok", resp.Body, "non-JSON body stays a string")
}

func TestInvoker_Do_truncatesOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		for range 100 {
			_, _ = w.Write([]byte("0123456789"))
		}
	}))
	defer srv.Close()

	inv := New(Config{MaxResponseBody: 16})
	resp, err := inv.Do(context.Background(), &Request{Method: "GET", URL: srv.URL})
	require.NoError(t, err)
	assert.Len(t, resp.Body.(string), 16)
}

func TestParamString(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"s", "s"},
		{true, "true"},
		{42, "42"},
		{int64(42), "42"},
		{float64(4.5), "4.5"},
		{float64(42), "42"},
		{json.Number("7"), "7"},
		{nil, ""},
		{[]any{1, 2}, "[1,2]"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, paramString(tt.in))
	}
}
