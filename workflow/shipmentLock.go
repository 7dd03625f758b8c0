package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireShipmentPostingLock serializes confirm/cancel per shipment across instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same *gorm.DB that will do the posting transaction.
func AcquireShipmentPostingLock(tx *gorm.DB, shipmentId int) error {
	lockName := fmt.Sprintf("shipment:%d", shipmentId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire posting lock for shipment_id=%d", shipmentId)
	}
	return nil
}

func ReleaseShipmentPostingLock(tx *gorm.DB, shipmentId int) {
	lockName := fmt.Sprintf("shipment:%d", shipmentId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
