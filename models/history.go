package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// History is the audit trail for engine mutations (seal/unseal/confirm/cancel).
// Rows are written inside the same transaction as the mutation they describe.
type History struct {
	ID            int       `gorm:"primary_key" json:"id"`
	ActionType    string    `gorm:"size:10;not null" json:"action_type"`
	Before        string    `gorm:"type:text" json:"before"`
	After         string    `gorm:"type:text" json:"after"`
	Description   string    `gorm:"type:text;not null" json:"description"`
	ReferenceID   int       `gorm:"index" json:"reference_id"`
	ReferenceType string    `gorm:"size:255" json:"reference_type"`
	ActorId       int       `gorm:"index;not null" json:"actor_id"`
	ActorName     string    `gorm:"size:100" json:"actor_name"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func createHistory(tx *gorm.DB,
	actionType string,
	referenceId int,
	referenceType string,
	before interface{},
	after interface{},
	description string,
	actorId int,
	actorName string) error {

	var beforeJSON, afterJSON []byte
	var err error
	if before != nil {
		beforeJSON, err = json.Marshal(before)
		if err != nil {
			return err
		}
	}
	if after != nil {
		afterJSON, err = json.Marshal(after)
		if err != nil {
			return err
		}
	}

	history := History{
		ActionType:    actionType,
		Before:        string(beforeJSON),
		After:         string(afterJSON),
		Description:   description,
		ReferenceID:   referenceId,
		ReferenceType: referenceType,
		ActorId:       actorId,
		ActorName:     actorName,
	}
	return tx.Create(&history).Error
}

// RecordHistory writes an audit row for a status transition.
func RecordHistory(tx *gorm.DB, actionType string, referenceId int, referenceType string, before, after interface{}, description string, actorId int, actorName string) error {
	return createHistory(tx, actionType, referenceId, referenceType, before, after, description, actorId, actorName)
}
