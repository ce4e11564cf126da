package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/example/face-check/internal/config"
	"github.com/example/face-check/internal/facestore"
	"github.com/example/face-check/internal/handlers"
	"github.com/example/face-check/internal/recognition"
	"github.com/example/face-check/internal/usecase"
)

func TestServerGracefulShutdown(t *testing.T) {
	logger := zap.NewNop()

	requestStarted := make(chan struct{})
	releaseRequest := make(chan struct{})
	defer func() {
		select {
		case <-releaseRequest:
		default:
			close(releaseRequest)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/verify", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-requestStarted:
		default:
			close(requestStarted)
		}
		<-releaseRequest
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	t.Log("creating listener")
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: mux}

	signalCh := make(chan os.Signal, 1)
	shutdownStarted := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, logger, listener, signalCh, func() {
			close(shutdownStarted)
		})
	}()

	addr := listener.Addr().String()
	t.Logf("listening on %s", addr)
	waitForServer(t, addr)

	client := &http.Client{Timeout: 2 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		t.Log("sending request")
		resp, err := client.Get("http://" + addr + "/verify")
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-requestStarted:
		t.Log("request started")
	case <-time.After(2 * time.Second):
		t.Fatal("request did not start in time")
	}

	t.Log("sending signal")
	signalCh <- syscall.SIGTERM

	select {
	case <-shutdownStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown hook was not called")
	}
	time.Sleep(50 * time.Millisecond)
	close(releaseRequest)
	t.Log("released request")

	select {
	case resp := <-respCh:
		t.Cleanup(func() { resp.Body.Close() })
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(body))
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
		t.Log("server shutdown complete")
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}

type levelDetector struct{}

func (levelDetector) DetectAndEncode(ctx context.Context, img image.Image) ([]recognition.Embedding, error) {
	r, _, _, _ := img.At(img.Bounds().Min.X, img.Bounds().Min.Y).RGBA()
	return []recognition.Embedding{{float32(r>>8) / 100}}, nil
}

func TestServerRegisterAndVerifyOverHTTP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	store, err := facestore.New(filepath.Join(t.TempDir(), "known_faces"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	uc := usecase.NewFaceUseCase(store, levelDetector{}, logger)

	router := gin.New()
	router.Use(handlers.Recovery(logger, true))
	handlers.RegisterRoutes(router, uc, logger, handlers.Options{ExposeInternalErrors: true})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: cors.AllowAll().Handler(router)}

	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithListener(server, 2*time.Second, logger, listener)
	}()
	addr := listener.Addr().String()
	waitForServer(t, addr)

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 90, 90, 90, 0xff
	}
	buf := new(bytes.Buffer)
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	payload, _ := json.Marshal(map[string]string{
		"user_id": "alice",
		"image":   base64.StdEncoding.EncodeToString(buf.Bytes()),
	})

	client := &http.Client{Timeout: 2 * time.Second}
	post := func(path string) map[string]interface{} {
		req, err := http.NewRequest(http.MethodPost, "http://"+addr+path, bytes.NewReader(payload))
		if err != nil {
			t.Fatalf("failed to build request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Origin", "http://example.com")
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("%s failed: %v", path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			t.Fatalf("%s: unexpected status %d body: %s", path, resp.StatusCode, body)
		}
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
			t.Fatalf("%s: expected permissive CORS header, got %q", path, got)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("%s: invalid json: %v", path, err)
		}
		return body
	}

	if body := post("/register"); body["success"] != true {
		t.Fatalf("register failed: %v", body)
	}
	if body := post("/verify"); body["match"] != true {
		t.Fatalf("expected match, got %v", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func TestInitDependenciesSkipsUnconfiguredBackends(t *testing.T) {
	opts, err := initDependencies(&config.Config{}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(opts) != 0 {
		t.Fatalf("expected no options, got %d", len(opts))
	}
}

func TestInitDependenciesReportsUnreachableRedis(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a port: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	start := time.Now()
	_, err = initDependencies(&config.Config{RedisAddr: addr}, zap.NewNop())
	if err == nil {
		t.Fatal("expected an error for an unreachable redis")
	}
	if elapsed := time.Since(start); elapsed > dependencyTimeout {
		t.Fatalf("connection attempt outlived its budget: %s", elapsed)
	}
}
