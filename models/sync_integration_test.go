package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/sellerdesk/marketbot_backend/config"
	"github.com/sellerdesk/marketbot_backend/models"
	"github.com/shopspring/decimal"
)

func setupIntegration(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "marketbot_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	return context.Background()
}

func createTestCabinet(t *testing.T, ctx context.Context, userId int64) *models.Cabinet {
	t.Helper()
	if _, err := models.EnsureUser(ctx, userId, "Test"); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	cabinet, err := models.CreateCabinet(ctx, &models.NewCabinet{
		Name:     fmt.Sprintf("Cabinet %d", time.Now().UnixNano()),
		ApiToken: "test-token",
		UserId:   userId,
	})
	if err != nil {
		t.Fatalf("CreateCabinet: %v", err)
	}
	return cabinet
}

func TestUpsertsAreIdempotent(t *testing.T) {
	ctx := setupIntegration(t)
	cabinet := createTestCabinet(t, ctx, 100)

	order := models.Order{
		CabinetId:       cabinet.ID,
		ExternalOrderId: "o-1",
		Article:         "SKU-1",
		Size:            "M",
		Status:          models.OrderStatusActive,
		Price:           decimal.NewFromInt(2000),
		PriceWithDisc:   decimal.NewFromInt(1500),
		OrderDate:       time.Now(),
	}
	first := order
	created, updated, err := models.UpsertOrder(ctx, &first)
	if err != nil || !created || updated {
		t.Fatalf("first upsert: created=%v updated=%v err=%v", created, updated, err)
	}

	second := order
	created, updated, err = models.UpsertOrder(ctx, &second)
	if err != nil || created || updated {
		t.Fatalf("identical second upsert must be a no-op: created=%v updated=%v err=%v", created, updated, err)
	}

	var count int64
	if err := config.GetDB().Model(&models.Order{}).Where("cabinet_id = ?", cabinet.ID).Count(&count).Error; err != nil {
		t.Fatalf("count orders: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 order row, got %d", count)
	}

	// a real change is an update, not a second row
	third := order
	third.Status = models.OrderStatusBuyout
	created, updated, err = models.UpsertOrder(ctx, &third)
	if err != nil || created || !updated {
		t.Fatalf("changed upsert: created=%v updated=%v err=%v", created, updated, err)
	}

	// a base-price move alone must also rewrite the row
	fourth := third
	fourth.Price = decimal.NewFromInt(2100)
	created, updated, err = models.UpsertOrder(ctx, &fourth)
	if err != nil || created || !updated {
		t.Fatalf("base price change: created=%v updated=%v err=%v", created, updated, err)
	}

	line := models.StockLine{
		CabinetId:   cabinet.ID,
		Article:     "SKU-1",
		WarehouseId: 101,
		Size:        "M",
		Quantity:    5,
	}
	a := line
	if created, _, err := models.UpsertStockLine(ctx, &a); err != nil || !created {
		t.Fatalf("first stock upsert: created=%v err=%v", created, err)
	}
	b := line
	if created, updated, err := models.UpsertStockLine(ctx, &b); err != nil || created || updated {
		t.Fatalf("identical stock upsert must be a no-op: created=%v updated=%v err=%v", created, updated, err)
	}
}

func TestStockQuantityClampedAtZero(t *testing.T) {
	ctx := setupIntegration(t)
	cabinet := createTestCabinet(t, ctx, 101)

	line := models.StockLine{
		CabinetId:   cabinet.ID,
		Article:     "SKU-NEG",
		WarehouseId: 101,
		Size:        "S",
		Quantity:    -4,
	}
	if _, _, err := models.UpsertStockLine(ctx, &line); err != nil {
		t.Fatalf("UpsertStockLine: %v", err)
	}

	lines, err := models.ListStockLines(ctx, cabinet.ID)
	if err != nil || len(lines) != 1 {
		t.Fatalf("ListStockLines: %v (%d rows)", err, len(lines))
	}
	if lines[0].Quantity != 0 {
		t.Fatalf("negative quantity must clamp to 0, got %d", lines[0].Quantity)
	}
}

func TestCommissionResolutionFallback(t *testing.T) {
	ctx := setupIntegration(t)

	rates := []models.CommissionRate{
		{Category: "Clothing", Subject: "T-Shirts", Rate: decimal.NewFromFloat(15)},
		{Category: "Clothing", Subject: "", Rate: decimal.NewFromFloat(10)},
	}
	if err := models.ReplaceCommissionRates(ctx, rates); err != nil {
		t.Fatalf("ReplaceCommissionRates: %v", err)
	}
	defaultRate := decimal.NewFromFloat(19.5)

	got, err := models.ResolveCommissionRate(ctx, "clothing", "t-shirts", defaultRate)
	if err != nil || !got.Equal(decimal.NewFromFloat(15)) {
		t.Fatalf("exact match: got %s err=%v", got, err)
	}

	got, err = models.ResolveCommissionRate(ctx, "Clothing", "Socks", defaultRate)
	if err != nil || !got.Equal(decimal.NewFromFloat(10)) {
		t.Fatalf("category-wide fallback: got %s err=%v", got, err)
	}

	got, err = models.ResolveCommissionRate(ctx, "Electronics", "Phones", defaultRate)
	if err != nil || !got.Equal(defaultRate) {
		t.Fatalf("default fallback: got %s err=%v", got, err)
	}
}

func TestNotificationLedgerDeduplicates(t *testing.T) {
	ctx := setupIntegration(t)
	if _, err := models.EnsureUser(ctx, 102, "Test"); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}

	already, err := models.AlreadyNotified(ctx, 102, "order", "o-9", "active", "buyout")
	if err != nil || already {
		t.Fatalf("fresh pair must not be marked: already=%v err=%v", already, err)
	}

	if err := models.RecordNotified(ctx, 102, "order", "o-9", "active", "buyout"); err != nil {
		t.Fatalf("RecordNotified: %v", err)
	}
	// duplicate writes are swallowed, not surfaced
	if err := models.RecordNotified(ctx, 102, "order", "o-9", "active", "buyout"); err != nil {
		t.Fatalf("duplicate RecordNotified: %v", err)
	}

	already, err = models.AlreadyNotified(ctx, 102, "order", "o-9", "active", "buyout")
	if err != nil || !already {
		t.Fatalf("recorded pair must be marked: already=%v err=%v", already, err)
	}

	var count int64
	if err := config.GetDB().Model(&models.NotificationLedger{}).
		Where("user_id = ? AND entity_key = ?", 102, "o-9").Count(&count).Error; err != nil {
		t.Fatalf("count ledger: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 ledger row, got %d", count)
	}
}

func TestDeleteCabinetCascadeRemovesEverything(t *testing.T) {
	ctx := setupIntegration(t)
	cabinet := createTestCabinet(t, ctx, 103)
	if _, err := models.EnsureUser(ctx, 104, "Second"); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	db := config.GetDB()
	if err := db.Create(&models.UserCabinet{UserId: 104, CabinetId: cabinet.ID}).Error; err != nil {
		t.Fatalf("link second user: %v", err)
	}

	order := models.Order{
		CabinetId: cabinet.ID, ExternalOrderId: "o-1", Article: "SKU-1",
		Status: models.OrderStatusActive, OrderDate: time.Now(),
	}
	if _, _, err := models.UpsertOrder(ctx, &order); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	line := models.StockLine{CabinetId: cabinet.ID, Article: "SKU-1", WarehouseId: 101, Size: "M", Quantity: 3}
	if _, _, err := models.UpsertStockLine(ctx, &line); err != nil {
		t.Fatalf("seed stock: %v", err)
	}
	review := models.Review{CabinetId: cabinet.ID, ExternalReviewId: "r-1", Rating: 2, ReviewDate: time.Now()}
	if _, _, err := models.UpsertReview(ctx, &review); err != nil {
		t.Fatalf("seed review: %v", err)
	}
	sale := models.Sale{CabinetId: cabinet.ID, ExternalSaleId: "s-1", Type: models.SaleTypeBuyout, SaleDate: time.Now()}
	if _, err := models.UpsertSale(ctx, &sale); err != nil {
		t.Fatalf("seed sale: %v", err)
	}

	removal, err := models.DeleteCabinetCascade(ctx, cabinet.ID)
	if err != nil {
		t.Fatalf("DeleteCabinetCascade: %v", err)
	}
	if removal.Orders != 1 || removal.Stocks != 1 || removal.Reviews != 1 || removal.Sales != 1 {
		t.Fatalf("unexpected removal counts: %+v", removal)
	}
	if len(removal.UserIds) != 2 {
		t.Fatalf("expected 2 affected users, got %v", removal.UserIds)
	}

	for name, model := range map[string]interface{}{
		"orders":        &models.Order{},
		"stock lines":   &models.StockLine{},
		"reviews":       &models.Review{},
		"sales":         &models.Sale{},
		"user links":    &models.UserCabinet{},
	} {
		var count int64
		if err := db.Model(model).Where("cabinet_id = ?", cabinet.ID).Count(&count).Error; err != nil {
			t.Fatalf("count %s: %v", name, err)
		}
		if count != 0 {
			t.Fatalf("expected 0 %s after cascade, got %d", name, count)
		}
	}
	if _, err := models.GetCabinetById(ctx, cabinet.ID); err == nil {
		t.Fatal("cabinet row must be gone")
	}
}

func TestHasCompletedSyncGatesOnSuccess(t *testing.T) {
	ctx := setupIntegration(t)
	cabinet := createTestCabinet(t, ctx, 105)

	done, err := models.HasCompletedSync(ctx, cabinet.ID, models.SyncCategoryOrders)
	if err != nil || done {
		t.Fatalf("no runs yet: done=%v err=%v", done, err)
	}

	now := time.Now()
	if err := models.RecordSyncLog(ctx, &models.SyncLog{
		CabinetId: cabinet.ID, Category: models.SyncCategoryOrders,
		Status: models.SyncStatusError, StartedAt: now, FinishedAt: &now,
	}); err != nil {
		t.Fatalf("RecordSyncLog: %v", err)
	}
	done, err = models.HasCompletedSync(ctx, cabinet.ID, models.SyncCategoryOrders)
	if err != nil || done {
		t.Fatalf("a failed run must not count: done=%v err=%v", done, err)
	}

	if err := models.RecordSyncLog(ctx, &models.SyncLog{
		CabinetId: cabinet.ID, Category: models.SyncCategoryOrders,
		Status: models.SyncStatusSuccess, StartedAt: now, FinishedAt: &now,
	}); err != nil {
		t.Fatalf("RecordSyncLog: %v", err)
	}
	done, err = models.HasCompletedSync(ctx, cabinet.ID, models.SyncCategoryOrders)
	if err != nil || !done {
		t.Fatalf("a successful run must count: done=%v err=%v", done, err)
	}
}

/* docker helpers */

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("marketbot-test-redis-%d", time.Now().UnixNano())
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
	name := fmt.Sprintf("marketbot-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=marketbot_test",
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
