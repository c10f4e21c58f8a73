package echoapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/go-playground/validator/v10"

	echoapi "github.com/trezcool/masomo/apps/api/echo"
	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/attempt"
	inmemdb "github.com/trezcool/masomo/storage/database/inmem"
	testutil "github.com/trezcool/masomo/tests"
)

const secretKey = "test-secret"

var errMissingToken = httpErr{Error: "missing or malformed jwt"}

type fixture struct {
	app   *echoapi.Server
	repo  attempt.Repository
	svc   *attempt.Service
	clock *testutil.FakeClock
	sched *testutil.ManualScheduler
}

func setup(t *testing.T) *fixture {
	conf := &core.Config{
		Env:       "TEST",
		TestMode:  true,
		AppName:   "Masomo",
		SecretKey: secretKey,
		Server:    core.ServerConfig{DisableReqLogs: true},
	}
	logger := testutil.NewLogger()

	f := &fixture{
		repo:  inmemdb.NewAttemptRepository(inmemdb.Open()),
		clock: testutil.NewFakeClock(),
		sched: testutil.NewManualScheduler(),
	}
	f.svc = attempt.NewService(
		f.repo, logger, core.TimerConfig{},
		attempt.WithClock(f.clock),
		attempt.WithScheduler(f.sched),
	)
	t.Cleanup(f.svc.Close)

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)

	f.app = echoapi.NewServer(echoapi.ServerDeps{
		Conf:       conf,
		Logger:     logger,
		AttemptSvc: f.svc,
		Validate:   validate,
		Translator: translator,
		Heartbeat:  50 * time.Millisecond,
	})
	t.Cleanup(func() { _ = f.app.Close() })
	return f
}

func (f *fixture) begin(t *testing.T, userID, testID string, duration int64) attempt.Attempt {
	t.Helper()
	a, err := f.svc.Begin(context.Background(), userID, attempt.NewAttempt{TestID: testID, DurationSeconds: duration})
	if err != nil {
		t.Fatalf("Begin(): %v", err)
	}
	return a
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func getToken(t *testing.T, userID string) string {
	claims := &echoapi.Claims{
		StandardClaims: jwt.StandardClaims{
			Subject:   userID,
			ExpiresAt: time.Now().Add(time.Hour).Unix(),
		},
		Username: userID,
	}
	token, err := echoapi.GenerateToken(secretKey, claims)
	if err != nil {
		t.Fatalf("getToken(): %v", err)
	}
	return token
}

func marchallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marchallObj(): %v", err)
	}
	return data
}

func jsonBytesEqual(b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	return reflect.DeepEqual(j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
	}
	ok, err := jsonBytesEqual(rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}

func runHTTPTests(t *testing.T, app http.Handler, tests []httpTest) {
	for _, tt := range tests {
		if tt.wantCode == 0 {
			tt.wantCode = http.StatusOK
		}
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}
