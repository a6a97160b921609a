package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/suite"
	"github.com/wfunc/jutta-brewer/internal/config"
	"github.com/wfunc/jutta-brewer/internal/hardware"
	"github.com/wfunc/jutta-brewer/internal/models"
	"github.com/wfunc/jutta-brewer/internal/repository"
	"github.com/wfunc/jutta-brewer/internal/service"
	"github.com/wfunc/jutta-brewer/internal/utils"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RouterTestSuite 控制接口测试套件
type RouterTestSuite struct {
	suite.Suite
	port    *hardware.MockSerialPort
	conn    *hardware.Connection
	maker   *hardware.CoffeeMaker
	db      *gorm.DB
	journal *service.SerialLogService
	router  *Router
	cancel  context.CancelFunc
}

func (s *RouterTestSuite) SetupTest() {
	gin.SetMode(gin.TestMode)

	s.port = hardware.NewMockSerialPort("EF532M V02.03")
	s.conn = hardware.NewConnection(s.port, hardware.Timing{
		FrameDelay:   time.Millisecond,
		RetryDelay:   time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		AckTimeout:   300 * time.Millisecond,
	})
	s.maker = hardware.NewCoffeeMaker(s.conn, &config.BrewConfig{ButtonSettle: 5 * time.Millisecond})

	s.db = repository.SetupTestDB()
	s.journal = service.NewSerialLogService(s.db)
	s.conn.SetTrafficRecorder(s.journal)

	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())
	s.router = NewRouter(ctx, Options{
		Mode:    gin.TestMode,
		Maker:   s.maker,
		Auth:    service.NewAuthService(&config.SecurityConfig{}, zap.NewNop()),
		Journal: s.journal,
		Log:     zap.NewNop(),
	})
}

func (s *RouterTestSuite) TearDownTest() {
	s.cancel()
	s.journal.Close()
	s.conn.Close()
	repository.CleanupTestDB(s.db)
}

func (s *RouterTestSuite) do(method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.Handler().ServeHTTP(w, req)

	var resp map[string]interface{}
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
	}
	return w, resp
}

func (s *RouterTestSuite) TestHealth() {
	w, resp := s.do(http.MethodGet, "/health", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Equal("healthy", resp["status"])
	s.Equal("ready", resp["connection"])
	s.Equal("idle", resp["brew_state"])

	s.conn.Close()
	w, _ = s.do(http.MethodGet, "/health", nil)
	s.Equal(http.StatusServiceUnavailable, w.Code)
}

func (s *RouterTestSuite) TestStatusAndDrinks() {
	w, resp := s.do(http.MethodGet, "/api/v1/machine/status", nil)
	s.Equal(http.StatusOK, w.Code)
	data := resp["data"].(map[string]interface{})
	s.Equal("idle", data["state"])
	s.EqualValues(0, data["page"])

	w, resp = s.do(http.MethodGet, "/api/v1/machine/drinks", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Len(resp["data"], len(hardware.Drinks()))
}

func (s *RouterTestSuite) TestDeviceType() {
	w, resp := s.do(http.MethodGet, "/api/v1/machine/type", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Equal("EF532M V02.03", resp["data"].(map[string]interface{})["type"])
}

func (s *RouterTestSuite) TestBrewDrink() {
	w, resp := s.do(http.MethodPost, "/api/v1/machine/brew", BrewRequest{Drink: "macchiato"})
	s.Equal(http.StatusOK, w.Code)
	s.EqualValues(1, resp["data"].(map[string]interface{})["page"])
	s.Equal([]string{hardware.CmdButton6, hardware.CmdButton5}, s.port.Commands())

	w, _ = s.do(http.MethodPost, "/api/v1/machine/brew", BrewRequest{Drink: "latte"})
	s.Equal(http.StatusBadRequest, w.Code)

	w, _ = s.do(http.MethodPost, "/api/v1/machine/brew", map[string]string{})
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *RouterTestSuite) TestBrewCustomWait() {
	zero := int64(0)
	w, resp := s.do(http.MethodPost, "/api/v1/machine/brew/custom", CustomBrewRequest{
		GrindMs:            10,
		CompressMs:         10,
		WaterMs:            40,
		CompressHoldMs:     &zero,
		PreInfusionMs:      &zero,
		PreInfusionPauseMs: &zero,
		Wait:               true,
	})
	s.Equal(http.StatusOK, w.Code)
	data := resp["data"].(map[string]interface{})
	s.Equal(true, data["completed"])
	s.Empty(s.port.ActiveActuators())
}

func (s *RouterTestSuite) TestBrewCustomBackgroundAndCancel() {
	w, _ := s.do(http.MethodPost, "/api/v1/machine/brew/custom", CustomBrewRequest{
		GrindMs:    5000,
		CompressMs: 10,
		WaterMs:    40,
	})
	s.Equal(http.StatusAccepted, w.Code)

	s.Eventually(func() bool { return s.maker.State() == hardware.BrewGrinding }, time.Second, 5*time.Millisecond)

	// 冲煮期间其他操作被拒绝
	w, _ = s.do(http.MethodPost, "/api/v1/machine/page", nil)
	s.Equal(http.StatusConflict, w.Code)

	w, resp := s.do(http.MethodPost, "/api/v1/machine/cancel", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Equal(true, resp["data"].(map[string]interface{})["canceled"])

	s.Eventually(func() bool { return !s.maker.IsLocked() }, 2*time.Second, 5*time.Millisecond)
	s.Empty(s.port.ActiveActuators())

	w, resp = s.do(http.MethodPost, "/api/v1/machine/cancel", nil)
	s.Equal(false, resp["data"].(map[string]interface{})["canceled"])
}

// 后台冲煮同步加锁，并发请求只有一个被接受
func (s *RouterTestSuite) TestBrewCustomConcurrentRequests() {
	req := CustomBrewRequest{GrindMs: 5000, CompressMs: 10, WaterMs: 40}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes []int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, _ := s.do(http.MethodPost, "/api/v1/machine/brew/custom", req)
			mu.Lock()
			codes = append(codes, w.Code)
			mu.Unlock()
		}()
	}
	wg.Wait()

	accepted, conflicts := 0, 0
	for _, code := range codes {
		switch code {
		case http.StatusAccepted:
			accepted++
		case http.StatusConflict:
			conflicts++
		}
	}
	s.Equal(1, accepted)
	s.Equal(3, conflicts)

	s.True(s.maker.Cancel())
	s.Eventually(func() bool { return !s.maker.IsLocked() }, 2*time.Second, 5*time.Millisecond)
	s.Empty(s.port.ActiveActuators())
}

func (s *RouterTestSuite) TestBrewCustomInvalid() {
	w, _ := s.do(http.MethodPost, "/api/v1/machine/brew/custom", CustomBrewRequest{GrindMs: -1})
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *RouterTestSuite) TestButtonsAndPages() {
	w, _ := s.do(http.MethodPost, "/api/v1/machine/buttons/2", nil)
	s.Equal(http.StatusOK, w.Code)

	w, _ = s.do(http.MethodPost, "/api/v1/machine/buttons/9", nil)
	s.Equal(http.StatusBadRequest, w.Code)

	w, _ = s.do(http.MethodPost, "/api/v1/machine/buttons/x", nil)
	s.Equal(http.StatusBadRequest, w.Code)

	w, resp := s.do(http.MethodPost, "/api/v1/machine/page", nil)
	s.Equal(http.StatusOK, w.Code)
	s.EqualValues(1, resp["data"].(map[string]interface{})["page"])

	page := 1
	w, _ = s.do(http.MethodPost, "/api/v1/machine/page", PageRequest{Page: &page})
	s.Equal(http.StatusOK, w.Code)

	page = 5
	w, _ = s.do(http.MethodPost, "/api/v1/machine/page", PageRequest{Page: &page})
	s.Equal(http.StatusBadRequest, w.Code)

	s.Equal([]string{hardware.CmdButton2, hardware.CmdButton6}, s.port.Commands())
}

func (s *RouterTestSuite) TestRawAndModes() {
	w, resp := s.do(http.MethodPost, "/api/v1/machine/raw", RawRequest{Command: "TY:", TimeoutMs: 200})
	s.Equal(http.StatusOK, w.Code)
	s.Equal(`ty:EF532M V02.03\r\n`, resp["data"].(map[string]interface{})["printable"])

	w, _ = s.do(http.MethodPost, "/api/v1/machine/test-mode", TestModeRequest{On: true})
	s.Equal(http.StatusOK, w.Code)

	w, _ = s.do(http.MethodPost, "/api/v1/machine/power-off", nil)
	s.Equal(http.StatusOK, w.Code)

	s.Equal([]string{hardware.CmdGetType, hardware.CmdTestModeOn, hardware.CmdPowerOff}, s.port.Commands())
}

func (s *RouterTestSuite) TestSerialLogs() {
	s.do(http.MethodPost, "/api/v1/machine/buttons/1", nil)
	s.journal.Close()

	w, resp := s.do(http.MethodGet, "/api/v1/serial-logs?direction=SEND", nil)
	s.Equal(http.StatusOK, w.Code)
	data := resp["data"].(map[string]interface{})
	s.EqualValues(1, data["total"])

	var logs []models.SerialLog
	raw, _ := json.Marshal(data["logs"])
	s.Require().NoError(json.Unmarshal(raw, &logs))
	s.Equal("FA:04", logs[0].Command)

	w, _ = s.do(http.MethodGet, "/api/v1/serial-logs/stats", nil)
	s.Equal(http.StatusOK, w.Code)

	w, _ = s.do(http.MethodGet, "/api/v1/serial-logs/export?function=FA", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Contains(w.Header().Get("Content-Disposition"), "serial_logs_")
}

func (s *RouterTestSuite) TestNotFound() {
	w, _ := s.do(http.MethodGet, "/api/v1/unknown", nil)
	s.Equal(http.StatusNotFound, w.Code)
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterTestSuite))
}

func TestRouterRequiresToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	port := hardware.NewMockSerialPort("EF532M")
	conn := hardware.NewConnection(port, hardware.DefaultTiming())
	defer conn.Close()

	hash, err := utils.HashAPIKey("key")
	if err != nil {
		t.Fatal(err)
	}
	auth := service.NewAuthService(&config.SecurityConfig{
		AuthEnabled: true,
		APIKeyHash:  hash,
		JWTSecret:   "secret",
		ExpireHours: 1,
	}, zap.NewNop())

	router := NewRouter(context.Background(), Options{
		Maker: hardware.NewCoffeeMaker(conn, nil),
		Auth:  auth,
		Log:   zap.NewNop(),
	})

	w := httptest.NewRecorder()
	router.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/machine/status", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}

	body, _ := json.Marshal(service.TokenRequest{APIKey: "key", Client: "test"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	router.Handler().ServeHTTP(w, req)

	var resp struct {
		Data service.TokenResponse `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Data.AccessToken == "" {
		t.Fatalf("token response: %s", w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/machine/status", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Data.AccessToken)
	w = httptest.NewRecorder()
	router.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
