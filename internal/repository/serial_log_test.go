package repository

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/wfunc/jutta-brewer/internal/models"
	"gorm.io/gorm"
)

// SerialLogRepositoryTestSuite 串口日志仓储测试套件
type SerialLogRepositoryTestSuite struct {
	suite.Suite
	db   *gorm.DB
	repo *SerialLogRepository
}

func (s *SerialLogRepositoryTestSuite) SetupSuite() {
	s.db = SetupTestDB()
	s.repo = NewSerialLogRepository(s.db)
}

func (s *SerialLogRepositoryTestSuite) TearDownSuite() {
	CleanupTestDB(s.db)
}

func (s *SerialLogRepositoryTestSuite) SetupTest() {
	s.db.Exec("DELETE FROM serial_logs")
}

func (s *SerialLogRepositoryTestSuite) seed() {
	now := time.Now()
	logs := []*models.SerialLog{
		{Direction: "SEND", Command: "FN:07", Function: "FN", SessionID: "a", Duration: 60, CreatedAt: now.Add(-time.Minute)},
		{Direction: "RECEIVE", RawData: `ok:\r\n`, SessionID: "a", CreatedAt: now.Add(-50 * time.Second)},
		{Direction: "SEND", Command: "FN:08", Function: "FN", SessionID: "a", Duration: 120, CreatedAt: now.Add(-40 * time.Second)},
		{Direction: "SEND", Command: "AN:01", Function: "AN", SessionID: "b", Level: models.SerialLogLevelError, ErrorMsg: "write failed", CreatedAt: now},
	}
	s.Require().NoError(s.repo.CreateBatch(logs))
}

func (s *SerialLogRepositoryTestSuite) TestCreateAndGet() {
	log := &models.SerialLog{Direction: "SEND", Command: "TY:"}
	s.Require().NoError(s.repo.Create(log))
	s.NotZero(log.ID)
	s.NotZero(log.Timestamp)

	got, err := s.repo.GetByID(log.ID)
	s.Require().NoError(err)
	s.Equal("TY:", got.Command)

	_, err = s.repo.GetByID(log.ID + 100)
	s.Error(err)
}

func (s *SerialLogRepositoryTestSuite) TestCreateBatchEmpty() {
	s.NoError(s.repo.CreateBatch(nil))
}

func (s *SerialLogRepositoryTestSuite) TestQueryFilters() {
	s.seed()

	logs, total, err := s.repo.Query(&models.SerialLogQuery{Direction: "SEND"})
	s.Require().NoError(err)
	s.EqualValues(3, total)
	s.Len(logs, 3)
	s.Equal("AN:01", logs[0].Command)

	_, total, err = s.repo.Query(&models.SerialLogQuery{Function: "FN"})
	s.Require().NoError(err)
	s.EqualValues(2, total)

	_, total, err = s.repo.Query(&models.SerialLogQuery{Command: "08"})
	s.Require().NoError(err)
	s.EqualValues(1, total)

	hasError := true
	logs, total, err = s.repo.Query(&models.SerialLogQuery{HasError: &hasError})
	s.Require().NoError(err)
	s.EqualValues(1, total)
	s.Equal("write failed", logs[0].ErrorMsg)

	start := time.Now().Add(-45 * time.Second)
	_, total, err = s.repo.Query(&models.SerialLogQuery{StartTime: &start})
	s.Require().NoError(err)
	s.EqualValues(2, total)

	logs, total, err = s.repo.Query(&models.SerialLogQuery{Limit: 2, Offset: 1})
	s.Require().NoError(err)
	s.EqualValues(4, total)
	s.Len(logs, 2)

	session, err := s.repo.GetBySessionID("a")
	s.Require().NoError(err)
	s.Len(session, 3)
	s.Equal("FN:07", session[0].Command)
}

func (s *SerialLogRepositoryTestSuite) TestStats() {
	s.seed()

	stats, err := s.repo.GetStats(nil, nil)
	s.Require().NoError(err)
	s.EqualValues(4, stats.TotalCount)
	s.EqualValues(3, stats.TotalSend)
	s.EqualValues(1, stats.TotalReceive)
	s.EqualValues(1, stats.TotalErrors)
	s.InDelta(90, stats.AvgDuration, 0.01)
	s.EqualValues(120, stats.MaxDuration)
}

func (s *SerialLogRepositoryTestSuite) TestLatestAndErrors() {
	s.seed()

	latest, err := s.repo.GetLatest(2)
	s.Require().NoError(err)
	s.Len(latest, 2)
	s.Equal("AN:01", latest[0].Command)

	errs, err := s.repo.GetErrorLogs(10)
	s.Require().NoError(err)
	s.Len(errs, 1)
}

func (s *SerialLogRepositoryTestSuite) TestCleanup() {
	for i := 0; i < 3; i++ {
		s.Require().NoError(s.repo.Create(&models.SerialLog{
			Direction: "SEND",
			Command:   fmt.Sprintf("AN:0%d", i),
			CreatedAt: time.Now().AddDate(0, 0, -30),
		}))
	}
	s.Require().NoError(s.repo.Create(&models.SerialLog{Direction: "SEND", Command: "TY:"}))

	_, err := s.repo.CleanupLogs(0)
	s.Error(err)

	deleted, err := s.repo.CleanupLogs(14)
	s.Require().NoError(err)
	s.EqualValues(3, deleted)

	latest, err := s.repo.GetLatest(10)
	s.Require().NoError(err)
	s.Len(latest, 1)
}

func TestSerialLogRepositorySuite(t *testing.T) {
	suite.Run(t, new(SerialLogRepositoryTestSuite))
}
