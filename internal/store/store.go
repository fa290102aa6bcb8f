package store

import (
	"errors"
	"time"

	"whatsapp-flow-engine/internal/models"

	"gorm.io/gorm"
)

// ErrDuplicateSlot is returned when an execution already exists for an
// automation's planned instant. The unique slot index makes "exactly once per
// slot" hold across concurrent dispatcher instances.
var ErrDuplicateSlot = errors.New("execution already exists for slot")

// Store wraps all database access for the engine.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// --- Automations ---

func (s *Store) CreateAutomation(a *models.FlowAutomation) error {
	return s.db.Create(a).Error
}

// UpdateAutomation replaces the automation's base fields plus its recurrence
// rule and exception set. Schedule definitions are swapped wholesale so the
// planner can treat any edit as a full recompute trigger.
func (s *Store) UpdateAutomation(a *models.FlowAutomation) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("automation_id = ?", a.ID).Delete(&models.RecurrenceRule{}).Error; err != nil {
			return err
		}
		if err := tx.Where("automation_id = ?", a.ID).Delete(&models.ExceptionRule{}).Error; err != nil {
			return err
		}
		if a.Recurrence != nil {
			a.Recurrence.ID = 0
			a.Recurrence.AutomationID = a.ID
		}
		for i := range a.Exceptions {
			a.Exceptions[i].ID = 0
			a.Exceptions[i].AutomationID = a.ID
		}
		return tx.Session(&gorm.Session{FullSaveAssociations: true}).Save(a).Error
	})
}

func (s *Store) GetAutomation(id uint) (*models.FlowAutomation, error) {
	var a models.FlowAutomation
	err := s.db.Preload("Recurrence").Preload("Exceptions").First(&a, id).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) ListAutomations(orgID uint) ([]models.FlowAutomation, error) {
	var list []models.FlowAutomation
	err := s.db.Preload("Recurrence").Preload("Exceptions").
		Where("org_id = ?", orgID).Order("id").Find(&list).Error
	return list, err
}

// ListActiveScheduled returns every active automation with a scheduled
// trigger, recurrence and exceptions preloaded for planning.
func (s *Store) ListActiveScheduled() ([]models.FlowAutomation, error) {
	var list []models.FlowAutomation
	err := s.db.Preload("Recurrence").Preload("Exceptions").
		Where("active = ? AND trigger_type = ?", true, models.TriggerScheduled).
		Order("id").Find(&list).Error
	return list, err
}

// ListActiveWebhook returns active webhook-triggered automations for a channel.
func (s *Store) ListActiveWebhook(channelID string) ([]models.FlowAutomation, error) {
	var list []models.FlowAutomation
	err := s.db.Where("active = ? AND trigger_type = ? AND channel_id = ?",
		true, models.TriggerWebhook, channelID).Order("id").Find(&list).Error
	return list, err
}

// DeactivateAutomation soft-deactivates; executions referencing the
// automation keep running to completion.
func (s *Store) DeactivateAutomation(id uint) error {
	res := s.db.Model(&models.FlowAutomation{}).Where("id = ?", id).Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// --- Contacts ---

func (s *Store) CreateContact(c *models.Contact) error {
	return s.db.Create(c).Error
}

func (s *Store) UpdateContact(c *models.Contact) error {
	return s.db.Save(c).Error
}

func (s *Store) DeleteContact(id uint) error {
	return s.db.Delete(&models.Contact{}, id).Error
}

func (s *Store) ListContacts(orgID uint) ([]models.Contact, error) {
	var list []models.Contact
	err := s.db.Where("org_id = ?", orgID).Order("created_at DESC").Find(&list).Error
	return list, err
}

func (s *Store) ActiveContacts(orgID uint) ([]models.Contact, error) {
	var list []models.Contact
	err := s.db.Where("org_id = ? AND active = ?", orgID, true).Find(&list).Error
	return list, err
}

func (s *Store) ContactsByIDs(orgID uint, ids []uint) ([]models.Contact, error) {
	var list []models.Contact
	if len(ids) == 0 {
		return list, nil
	}
	err := s.db.Where("org_id = ? AND id IN ?", orgID, ids).Find(&list).Error
	return list, err
}

// UpsertContactByWaID creates the contact on first sight of a WhatsApp id,
// keeping the existing row otherwise.
func (s *Store) UpsertContactByWaID(orgID uint, waID, name string) (*models.Contact, error) {
	var c models.Contact
	err := s.db.Where("org_id = ? AND wa_id = ?", orgID, waID).First(&c).Error
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	c = models.Contact{OrgID: orgID, WaID: waID, Name: name, Active: true}
	if err := s.db.Create(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// --- Templates ---

func (s *Store) GetTemplate(id string) (*models.Template, error) {
	var t models.Template
	if err := s.db.First(&t, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) SaveTemplate(t *models.Template) error {
	return s.db.Save(t).Error
}

// --- Executions ---

func (s *Store) CreateExecution(e *models.Execution) error {
	err := s.db.Create(e).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateSlot
	}
	return err
}

func (s *Store) SaveExecution(e *models.Execution) error {
	return s.db.Save(e).Error
}

func (s *Store) GetExecution(id string) (*models.Execution, error) {
	var e models.Execution
	if err := s.db.First(&e, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) ListExecutions(automationID uint, limit int) ([]models.Execution, error) {
	var list []models.Execution
	q := s.db.Where("automation_id = ?", automationID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&list).Error
	return list, err
}

func (s *Store) SaveResult(r *models.ExecutionResult) error {
	return s.db.Save(r).Error
}

func (s *Store) ResultsForExecution(executionID string) ([]models.ExecutionResult, error) {
	var list []models.ExecutionResult
	err := s.db.Where("execution_id = ?", executionID).Order("id").Find(&list).Error
	return list, err
}

// HasActiveExecution reports whether the automation has an execution that is
// not yet terminal. Single-flight depends on this together with the lease.
func (s *Store) HasActiveExecution(automationID uint) (bool, error) {
	var n int64
	err := s.db.Model(&models.Execution{}).
		Where("automation_id = ? AND state IN ?", automationID,
			[]string{models.StatePending, models.StateResolving, models.StateRunning}).
		Count(&n).Error
	return n > 0, err
}

// ExecutionExistsForSlot reports whether the slot has already been consumed,
// whatever the outcome was.
func (s *Store) ExecutionExistsForSlot(automationID uint, plannedAt time.Time) (bool, error) {
	var n int64
	err := s.db.Model(&models.Execution{}).
		Where("automation_id = ? AND planned_at = ?", automationID, plannedAt).
		Count(&n).Error
	return n > 0, err
}

// StaleRunning lists non-terminal executions whose heartbeat went quiet
// before the given instant. Candidates for orphan takeover.
func (s *Store) StaleRunning(before time.Time) ([]models.Execution, error) {
	var list []models.Execution
	err := s.db.Where("state IN ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)",
		[]string{models.StateResolving, models.StateRunning}, before).
		Find(&list).Error
	return list, err
}

// MarkOrphaned flips a stale execution to failed/orphaned. The conditional
// update makes takeover idempotent: exactly one dispatcher wins the write,
// and a finished execution is never overwritten.
func (s *Store) MarkOrphaned(executionID string, at time.Time) (bool, error) {
	res := s.db.Model(&models.Execution{}).
		Where("id = ? AND state IN ?", executionID,
			[]string{models.StateResolving, models.StateRunning}).
		Updates(map[string]interface{}{
			"state":        models.StateFailed,
			"reason":       models.ReasonOrphaned,
			"detail":       "dispatcher lease expired without heartbeat",
			"completed_at": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// TouchExecutionHeartbeat records liveness for a non-terminal execution.
func (s *Store) TouchExecutionHeartbeat(executionID string, at time.Time) error {
	return s.db.Model(&models.Execution{}).
		Where("id = ? AND state IN ?", executionID,
			[]string{models.StatePending, models.StateResolving, models.StateRunning}).
		Update("heartbeat_at", at).Error
}
