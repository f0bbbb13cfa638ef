package services

import (
	"os"
	"testing"

	"github.com/asjohnston-asf/harmony/internal/config"
	"github.com/asjohnston-asf/harmony/internal/models"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// testDB connects to the database named by TEST_DATABASE_URL; tests that
// need a live store are skipped when it is unset.
func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database integration test")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	err = db.AutoMigrate(
		&models.Job{},
		&models.JobLink{},
		&models.JobError{},
		&models.Label{},
		&models.JobLabel{},
		&models.WorkflowStep{},
		&models.WorkItem{},
		&models.UserWork{},
	)
	if err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return db
}

func cleanupJob(t *testing.T, db *gorm.DB, jobID string) {
	t.Helper()
	db.Where("job_id = ?", jobID).Delete(&models.WorkItem{})
	db.Where("job_id = ?", jobID).Delete(&models.WorkflowStep{})
	db.Where("job_id = ?", jobID).Delete(&models.UserWork{})
	db.Where("job_id = ?", jobID).Delete(&models.JobError{})
	db.Where("job_id = ?", jobID).Delete(&models.JobLink{})
	db.Where("job_id = ?", jobID).Delete(&models.JobLabel{})
	db.Where("job_id = ?", jobID).Delete(&models.Job{})
}

// A job whose last work item completes while it is paused must reach
// successful when it is resumed; nothing else will ever fire the terminal
// transition for it.
func TestResumeCompletesJobFinishedWhilePaused(t *testing.T) {
	db := testDB(t)

	// Unique per run so concurrent test databases never share a queue.
	serviceID := "harmonyservices/subsetter:test-" + uuid.New().String()[:8]
	collection := "C-" + uuid.New().String()
	servicesConfig := &config.ServicesConfig{Chains: []config.ServiceChain{
		{
			Name:        "test/subsetter",
			ProviderID:  "test",
			Collections: []string{collection},
			Steps:       []config.ServiceStep{{Image: serviceID, ProgressWeight: 1}},
		},
	}}

	jobService := NewJobService(db)
	userWorkService := NewUserWorkService(db)
	lifecycle := NewJobLifecycleService(db, jobService, userWorkService, servicesConfig)
	dispatcher := NewDispatcherService(db, jobService, userWorkService)

	job, err := lifecycle.CreateJobForRequest(JobRequest{
		Username:      "it-" + uuid.New().String()[:8],
		Request:       "https://harmony.example.com/test-request",
		CollectionIDs: []string{collection},
		GranuleURLs:   []string{"s3://granules/g1.nc"},
	})
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	defer cleanupJob(t, db, job.JobID)

	if job.Status != models.JobStatusRunning {
		t.Fatalf("Expected the new job running, got %s", job.Status)
	}

	item, err := dispatcher.NextWorkItem(serviceID)
	if err != nil {
		t.Fatalf("Failed to claim a work item: %v", err)
	}
	if item == nil || item.JobID != job.JobID {
		t.Fatalf("Expected to claim the job's work item, got %v", item)
	}

	paused, err := lifecycle.PauseAndSave(job.JobID)
	if err != nil {
		t.Fatalf("Failed to pause the job: %v", err)
	}
	if !paused.IsPaused() {
		t.Fatalf("Expected the job paused, got %s", paused.Status)
	}

	// The worker finishes the final item while the job is paused; the
	// completion must not force a transition out of paused.
	if err := dispatcher.CompleteWorkItem(item.ID, models.WorkItemStatusSuccessful, "s3://outputs/g1.nc", ""); err != nil {
		t.Fatalf("Failed to complete the work item: %v", err)
	}
	stillPaused, err := jobService.ByJobID(db, job.JobID, false, false, false)
	if err != nil {
		t.Fatalf("Failed to reload the job: %v", err)
	}
	if stillPaused.Status != models.JobStatusPaused {
		t.Fatalf("Expected the job still paused after the item completed, got %s", stillPaused.Status)
	}

	resumed, err := lifecycle.ResumeAndSave(job.JobID)
	if err != nil {
		t.Fatalf("Failed to resume the job: %v", err)
	}
	if resumed.Status != models.JobStatusSuccessful {
		t.Fatalf("Expected the resumed job successful, got %s", resumed.Status)
	}
	if resumed.Progress != 100 {
		t.Errorf("Expected progress 100, got %d", resumed.Progress)
	}

	var userWorkRows int64
	if err := db.Model(&models.UserWork{}).Where("job_id = ?", job.JobID).Count(&userWorkRows).Error; err != nil {
		t.Fatalf("Failed to count user work rows: %v", err)
	}
	if userWorkRows != 0 {
		t.Errorf("Expected the completed job's fairness rows removed, got %d", userWorkRows)
	}
}
