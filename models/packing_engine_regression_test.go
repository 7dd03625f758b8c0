package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/tradeops_backend/config"
	"bitbucket.org/mmdatafocus/tradeops_backend/models"
	"bitbucket.org/mmdatafocus/tradeops_backend/utils"
	"bitbucket.org/mmdatafocus/tradeops_backend/workflow"
	"github.com/shopspring/decimal"
)

// Exercises the whole packing engine lifecycle against real MySQL: the
// quantity ledger across two shipments, capacity boundary enforcement, the
// sealing state machine, the confirmation gate, and cancellation reversal.
func TestPackingEngineLifecycle(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "tradeops_test")
	t.Setenv("ENGINE_EVENTS", "container.sealed,shipment.confirmed,shipment.cancelled")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx = utils.SetActorIdInContext(ctx, 1)
	ctx = utils.SetActorNameInContext(ctx, "Test")

	db := config.GetDB()

	product, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:       "Teak Chair",
		Sku:        "CHAIR-1",
		UnitWeight: decimal.NewFromInt(2),     // kg
		UnitVolume: decimal.NewFromFloat(0.1), // m3
		UnitPrice:  decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	lineItem, err := models.CreateCommercialLineItem(ctx, &models.NewCommercialLineItem{
		ProformaInvoiceNo: "PI-001",
		ProductId:         product.ID,
		TotalQuantity:     decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("CreateCommercialLineItem: %v", err)
	}

	shipment1, err := models.CreateShipment(ctx, &models.NewShipment{ShipmentNumber: "SH-001"})
	if err != nil {
		t.Fatalf("CreateShipment SH-001: %v", err)
	}
	shipment2, err := models.CreateShipment(ctx, &models.NewShipment{ShipmentNumber: "SH-002"})
	if err != nil {
		t.Fatalf("CreateShipment SH-002: %v", err)
	}

	container1, err := models.CreateContainer(ctx, &models.NewContainer{
		ShipmentId:      shipment1.ID,
		ContainerNumber: "CONT-001",
		MaxWeight:       decimal.NewFromInt(100), // fits 50 units by weight
		MaxVolume:       decimal.NewFromInt(10),  // fits 100 units by volume
	})
	if err != nil {
		t.Fatalf("CreateContainer CONT-001: %v", err)
	}
	container2, err := models.CreateContainer(ctx, &models.NewContainer{
		ShipmentId:      shipment2.ID,
		ContainerNumber: "CONT-002",
		MaxWeight:       decimal.NewFromInt(500),
		MaxVolume:       decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("CreateContainer CONT-002: %v", err)
	}

	mustLineItem := func() *models.CommercialLineItem {
		t.Helper()
		li, err := models.GetCommercialLineItem(ctx, lineItem.ID)
		if err != nil {
			t.Fatalf("GetCommercialLineItem: %v", err)
		}
		return li
	}
	assertLedger := func(shipped, remaining int64, shipmentCount int) {
		t.Helper()
		li := mustLineItem()
		if !li.QuantityShipped.Equal(decimal.NewFromInt(shipped)) {
			t.Fatalf("quantity_shipped = %s, want %d", li.QuantityShipped, shipped)
		}
		if !li.QuantityRemaining.Equal(decimal.NewFromInt(remaining)) {
			t.Fatalf("quantity_remaining = %s, want %d", li.QuantityRemaining, remaining)
		}
		if li.ShipmentCount != shipmentCount {
			t.Fatalf("shipment_count = %d, want %d", li.ShipmentCount, shipmentCount)
		}
	}

	// --- Quantity ledger across two shipments ---

	item1, err := workflow.PackContainerItem(ctx, container1.ID, lineItem.ID, decimal.NewFromInt(30), 1)
	if err != nil {
		t.Fatalf("pack 30 into CONT-001: %v", err)
	}
	assertLedger(30, 70, 1)
	if item1.ShipmentSequence != 1 {
		t.Fatalf("first shipment sequence = %d, want 1", item1.ShipmentSequence)
	}
	if !item1.TotalWeight.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("item total_weight = %s, want 60", item1.TotalWeight)
	}

	item2, err := workflow.PackContainerItem(ctx, container2.ID, lineItem.ID, decimal.NewFromInt(20), 1)
	if err != nil {
		t.Fatalf("pack 20 into CONT-002: %v", err)
	}
	assertLedger(50, 50, 2)
	if item2.ShipmentSequence != 2 {
		t.Fatalf("second shipment sequence = %d, want 2", item2.ShipmentSequence)
	}

	// Over-allocation: requesting more than remaining must fail and leave
	// the ledger untouched.
	var insufficient *models.InsufficientQuantityError
	_, err = workflow.PackContainerItem(ctx, container2.ID, lineItem.ID, decimal.NewFromInt(60), 1)
	if !errors.As(err, &insufficient) {
		t.Fatalf("pack 60 with 50 remaining: got %v, want InsufficientQuantityError", err)
	}
	if !insufficient.Available.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("error available = %s, want 50", insufficient.Available)
	}
	assertLedger(50, 50, 2)

	// Removing the only allocation of shipment 2 drops the shipment count.
	if _, err := workflow.RemoveContainerItem(ctx, item2.ID, 1); err != nil {
		t.Fatalf("remove CONT-002 item: %v", err)
	}
	assertLedger(30, 70, 1)

	// --- Capacity boundary ---

	// CONT-001 holds 30 units (60 kg); headroom is 40 kg = 20 units.
	var capacity *models.CapacityExceededError
	_, err = workflow.PackContainerItem(ctx, container1.ID, lineItem.ID, decimal.NewFromInt(21), 1)
	if !errors.As(err, &capacity) {
		t.Fatalf("pack 21 over weight headroom: got %v, want CapacityExceededError", err)
	}
	if capacity.Dimension != "weight" {
		t.Fatalf("exceeded dimension = %s, want weight", capacity.Dimension)
	}
	assertLedger(30, 70, 1)

	c1, err := models.GetContainer(ctx, container1.ID)
	if err != nil {
		t.Fatalf("GetContainer: %v", err)
	}
	if !c1.CurrentWeight.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("current_weight after rejected pack = %s, want 60", c1.CurrentWeight)
	}

	// An exact fit up to the limit is allowed.
	boundaryItem, err := workflow.PackContainerItem(ctx, container1.ID, lineItem.ID, decimal.NewFromInt(20), 1)
	if err != nil {
		t.Fatalf("pack exact-fit 20: %v", err)
	}
	c1, _ = models.GetContainer(ctx, container1.ID)
	if !c1.CurrentWeight.Equal(c1.MaxWeight) {
		t.Fatalf("current_weight = %s, want max %s", c1.CurrentWeight, c1.MaxWeight)
	}
	if _, err := workflow.RemoveContainerItem(ctx, boundaryItem.ID, 1); err != nil {
		t.Fatalf("remove boundary item: %v", err)
	}
	assertLedger(30, 70, 1)

	// --- Sealing state machine ---

	emptyContainer, err := models.CreateContainer(ctx, &models.NewContainer{
		ShipmentId:      shipment2.ID,
		ContainerNumber: "CONT-003",
		MaxWeight:       decimal.NewFromInt(100),
		MaxVolume:       decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("CreateContainer CONT-003: %v", err)
	}

	var emptyErr *models.EmptyContainerError
	_, err = workflow.SealContainer(ctx, emptyContainer.ID, "SL-0", 1)
	if !errors.As(err, &emptyErr) {
		t.Fatalf("seal empty container: got %v, want EmptyContainerError", err)
	}

	// Sealing without a seal number is rejected even on a packable container.
	_, err = workflow.SealContainer(ctx, container1.ID, "", 1)
	if err == nil || !strings.Contains(err.Error(), "seal number") {
		t.Fatalf("seal without seal number: got %v, want seal number error", err)
	}

	sealed, err := workflow.SealContainer(ctx, container1.ID, "SL-1234", 1)
	if err != nil {
		t.Fatalf("seal CONT-001: %v", err)
	}
	if sealed.Status != models.ContainerStatusSealed || sealed.SealedAt == nil {
		t.Fatalf("seal did not stamp status/sealed_at: %+v", sealed)
	}
	if sealed.SealNumber == nil || *sealed.SealNumber != "SL-1234" {
		t.Fatalf("seal did not record seal number: %+v", sealed.SealNumber)
	}

	var sealedImmut *models.SealedImmutableError
	_, err = workflow.PackContainerItem(ctx, container1.ID, lineItem.ID, decimal.NewFromInt(1), 1)
	if !errors.As(err, &sealedImmut) {
		t.Fatalf("pack into sealed container: got %v, want SealedImmutableError", err)
	}
	_, err = workflow.RemoveContainerItem(ctx, item1.ID, 1)
	if !errors.As(err, &sealedImmut) {
		t.Fatalf("remove from sealed container: got %v, want SealedImmutableError", err)
	}

	// The relaxed-immutability flag only opens removals; packing into a
	// sealed container stays rejected.
	t.Setenv("STRICT_SEALED_IMMUTABLE", "false")
	_, err = workflow.PackContainerItem(ctx, container1.ID, lineItem.ID, decimal.NewFromInt(1), 1)
	if !errors.As(err, &sealedImmut) {
		t.Fatalf("pack into sealed container with relaxed flag: got %v, want SealedImmutableError", err)
	}
	t.Setenv("STRICT_SEALED_IMMUTABLE", "")

	var alreadySealed *models.AlreadySealedError
	_, err = workflow.SealContainer(ctx, container1.ID, "SL-9999", 1)
	if !errors.As(err, &alreadySealed) {
		t.Fatalf("double seal: got %v, want AlreadySealedError", err)
	}

	unsealed, err := workflow.UnsealContainer(ctx, container1.ID, 1)
	if err != nil {
		t.Fatalf("unseal CONT-001: %v", err)
	}
	if unsealed.Status != models.ContainerStatusPacked || unsealed.SealNumber != nil {
		t.Fatalf("unseal did not revert to Packed with cleared seal: %+v", unsealed)
	}

	var notSealed *models.NotSealedError
	_, err = workflow.UnsealContainer(ctx, container1.ID, 1)
	if !errors.As(err, &notSealed) {
		t.Fatalf("double unseal: got %v, want NotSealedError", err)
	}

	// --- Confirmation gate ---

	var notReady *models.NotReadyToConfirmError
	_, err = workflow.ConfirmShipment(ctx, shipment1.ID, 1)
	if !errors.As(err, &notReady) {
		t.Fatalf("confirm with unsealed container: got %v, want NotReadyToConfirmError", err)
	}
	found := false
	for _, r := range notReady.Reasons {
		if strings.Contains(r, "CONT-001") {
			found = true
		}
	}
	if !found {
		t.Fatalf("blocking reasons missing unsealed container: %v", notReady.Reasons)
	}

	// GET_LOCK is session-scoped; a rejected confirm must not leave the
	// posting lock held on a pooled connection.
	assertPostingLockFree := func() {
		t.Helper()
		var free int
		if err := db.Raw("SELECT IS_FREE_LOCK(?)", fmt.Sprintf("shipment:%d", shipment1.ID)).Scan(&free).Error; err != nil {
			t.Fatalf("IS_FREE_LOCK: %v", err)
		}
		if free != 1 {
			t.Fatalf("posting lock for shipment %d still held", shipment1.ID)
		}
	}
	assertPostingLockFree()

	// Declared totals that disagree with packed totals must also block.
	if _, err := models.UpdateShipmentDeclaredTotals(ctx, shipment1.ID,
		decimal.NewFromInt(30), decimal.NewFromInt(60), decimal.NewFromInt(9999)); err != nil {
		t.Fatalf("UpdateShipmentDeclaredTotals: %v", err)
	}
	if _, err := workflow.SealContainer(ctx, container1.ID, "SL-5678", 1); err != nil {
		t.Fatalf("re-seal CONT-001: %v", err)
	}
	_, err = workflow.ConfirmShipment(ctx, shipment1.ID, 1)
	if !errors.As(err, &notReady) {
		t.Fatalf("confirm with mismatched declared value: got %v, want NotReadyToConfirmError", err)
	}

	// 30 units at 50 = 1500 customs value.
	if _, err := models.UpdateShipmentDeclaredTotals(ctx, shipment1.ID,
		decimal.NewFromInt(30), decimal.NewFromInt(60), decimal.NewFromInt(1500)); err != nil {
		t.Fatalf("UpdateShipmentDeclaredTotals: %v", err)
	}
	reasons, err := workflow.CanConfirmShipment(ctx, shipment1.ID)
	if err != nil {
		t.Fatalf("CanConfirmShipment: %v", err)
	}
	if len(reasons) != 0 {
		t.Fatalf("expected no blockers, got %v", reasons)
	}

	confirmed, err := workflow.ConfirmShipment(ctx, shipment1.ID, 1)
	if err != nil {
		t.Fatalf("ConfirmShipment: %v", err)
	}
	if confirmed.Status != models.ShipmentStatusConfirmed || confirmed.ConfirmedAt == nil {
		t.Fatalf("confirm did not stamp status/confirmed_at: %+v", confirmed)
	}
	assertPostingLockFree()

	_, err = workflow.ConfirmShipment(ctx, shipment1.ID, 1)
	if !errors.As(err, &notReady) {
		t.Fatalf("double confirm: got %v, want NotReadyToConfirmError", err)
	}

	var outboxCount int64
	if err := db.Model(&models.EngineEventRecord{}).
		Where("event_type = ? AND reference_id = ?", models.EngineEventShipmentConfirmed, shipment1.ID).
		Count(&outboxCount).Error; err != nil {
		t.Fatalf("count outbox rows: %v", err)
	}
	if outboxCount != 1 {
		t.Fatalf("expected 1 shipment.confirmed outbox row, got %d", outboxCount)
	}

	// --- Concurrent removal of the same allocation ---

	raceItem, err := workflow.PackContainerItem(ctx, container2.ID, lineItem.ID, decimal.NewFromInt(5), 1)
	if err != nil {
		t.Fatalf("pack 5 into CONT-002: %v", err)
	}
	assertLedger(35, 65, 2)

	// Many removers, one allocation row: exactly one wins, and the quantity
	// is credited back to the ledger exactly once.
	var wg sync.WaitGroup
	removals := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := workflow.RemoveContainerItem(ctx, raceItem.ID, 1)
			removals <- err
		}()
	}
	wg.Wait()
	close(removals)

	wins := 0
	for err := range removals {
		if err == nil {
			wins++
		} else if !errors.Is(err, utils.ErrorRecordNotFound) {
			t.Fatalf("concurrent remove: unexpected error %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("concurrent removes won %d times, want exactly 1", wins)
	}
	assertLedger(30, 70, 1)

	// --- Cancellation reversal ---

	if _, err := workflow.PackContainerItem(ctx, container2.ID, lineItem.ID, decimal.NewFromInt(10), 1); err != nil {
		t.Fatalf("pack 10 into CONT-002: %v", err)
	}
	assertLedger(40, 60, 2)

	cancelled, err := workflow.CancelShipment(ctx, shipment2.ID, "customer withdrew order", 1)
	if err != nil {
		t.Fatalf("CancelShipment: %v", err)
	}
	if cancelled.Status != models.ShipmentStatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("cancel did not stamp status/cancelled_at: %+v", cancelled)
	}
	assertLedger(30, 70, 1)

	// Containers of a cancelled shipment are soft-deleted.
	var liveContainers int64
	if err := db.Model(&models.Container{}).
		Where("shipment_id = ?", shipment2.ID).
		Count(&liveContainers).Error; err != nil {
		t.Fatalf("count live containers: %v", err)
	}
	if liveContainers != 0 {
		t.Fatalf("expected 0 live containers on cancelled shipment, got %d", liveContainers)
	}

	// Cancelling again is a no-op, not an error.
	again, err := workflow.CancelShipment(ctx, shipment2.ID, "duplicate click", 1)
	if err != nil {
		t.Fatalf("repeat CancelShipment: %v", err)
	}
	if again.Status != models.ShipmentStatusCancelled {
		t.Fatalf("repeat cancel status = %s, want Cancelled", again.Status)
	}
	assertLedger(30, 70, 1)
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("tradeops-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("tradeops-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=tradeops_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
