package marketsync

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/sellerdesk/marketbot_backend/config"
	"github.com/sellerdesk/marketbot_backend/models"
	"github.com/shopspring/decimal"
)

// RunCabinetSync executes one full sync cycle for one cabinet: pull each data
// category, diff against the stored snapshot, upsert, run the detectors, and
// record one SyncLog row per category. A category failure is isolated: it is
// logged and the remaining categories still run.
//
// The caller has already validated the credential (health monitor) and holds
// the per-cabinet lock (scheduler).
func RunCabinetSync(ctx context.Context, cabinet models.Cabinet, limiters *CategoryLimiters) (*SyncReport, error) {
	settings := config.GetSyncSettings()
	logger := config.GetLogger()

	client, err := newMarketClient(cabinet.ApiToken, limiters, settings)
	if err != nil {
		return nil, err
	}

	report := &SyncReport{CabinetId: cabinet.ID, StartedAt: time.Now()}
	windowStart := time.Now().AddDate(0, 0, -settings.SyncWindowDays)

	productIndex, productReport := syncProducts(ctx, cabinet, client)
	report.Categories = append(report.Categories, productReport)

	orderReport, orderEvents := syncOrders(ctx, cabinet, client, windowStart, productIndex)
	report.Categories = append(report.Categories, orderReport)
	report.Events = append(report.Events, orderEvents...)

	stockReport, stockEvents := syncStocks(ctx, cabinet, client, settings.CriticalThreshold)
	report.Categories = append(report.Categories, stockReport)
	report.Events = append(report.Events, stockEvents...)

	reviewReport, reviewEvents := syncReviews(ctx, cabinet, client, settings.NegativeReviewMax)
	report.Categories = append(report.Categories, reviewReport)
	report.Events = append(report.Events, reviewEvents...)

	saleReport, saleEvents := syncSales(ctx, cabinet, client, windowStart)
	report.Categories = append(report.Categories, saleReport)
	report.Events = append(report.Events, saleEvents...)

	if err := deriveCommissions(ctx, cabinet, client, windowStart, settings); err != nil {
		config.LogError(logger, "marketsync", "RunCabinetSync", "derive commissions", cabinet.ID, err)
	}

	// Advance the marker even when categories failed: otherwise every later
	// attempt would look like a first sync and suppress its notifications.
	report.FinishedAt = time.Now()
	if err := models.TouchLastSync(ctx, cabinet.ID, report.FinishedAt); err != nil {
		config.LogError(logger, "marketsync", "RunCabinetSync", "touch last sync", cabinet.ID, err)
	}

	return report, nil
}

// recordError is one skipped source record, attached to the category's
// SyncLog once that log row exists.
type recordError struct {
	entityType string
	externalId string
	message    string
	payload    []byte
	retryable  bool
}

// finishCategory writes the append-only SyncLog row plus any per-record
// errors, and returns the final report.
func finishCategory(ctx context.Context, cabinetId uint, category models.SyncCategory, startedAt time.Time, processed, created, updated int, recordErrors []recordError, categoryErr error) CategoryReport {
	logger := config.GetLogger()

	status := models.SyncStatusSuccess
	errorMessage := ""
	if categoryErr != nil {
		status = models.SyncStatusError
		errorMessage = categoryErr.Error()
	}

	finished := time.Now()
	logRow := &models.SyncLog{
		CabinetId:    cabinetId,
		Category:     category,
		Status:       status,
		Processed:    processed,
		Created:      created,
		Updated:      updated,
		Errors:       len(recordErrors),
		ErrorMessage: errorMessage,
		StartedAt:    startedAt,
		FinishedAt:   &finished,
	}
	if err := models.RecordSyncLog(ctx, logRow); err != nil {
		config.LogError(logger, "marketsync", "finishCategory", string(category), cabinetId, err)
	} else {
		for _, re := range recordErrors {
			_ = models.CreateSyncError(ctx, logRow.ID, cabinetId, re.entityType, re.externalId, re.message, re.payload, re.retryable)
		}
	}

	return CategoryReport{
		Category:  category,
		Status:    status,
		Processed: processed,
		Created:   created,
		Updated:   updated,
		Errors:    len(recordErrors),
		Err:       categoryErr,
	}
}

func syncProducts(ctx context.Context, cabinet models.Cabinet, client *marketClient) (map[string]marketCard, CategoryReport) {
	startedAt := time.Now()
	index := make(map[string]marketCard)

	cards, err := client.FetchProductCards(ctx)

	var recordErrors []recordError
	processed, created, updated := 0, 0, 0
	for _, card := range cards {
		article := strings.TrimSpace(card.Article)
		if article == "" {
			recordErrors = append(recordErrors, recordError{
				entityType: "product", message: "article missing", payload: marshalRaw(card),
			})
			continue
		}
		index[article] = card

		wasCreated, wasUpdated, uerr := models.UpsertProduct(ctx, &models.Product{
			CabinetId: cabinet.ID,
			Article:   article,
			Name:      strings.TrimSpace(card.Name),
			Brand:     strings.TrimSpace(card.Brand),
			Category:  strings.TrimSpace(card.Category),
			Subject:   strings.TrimSpace(card.Subject),
			PhotoUrl:  strings.TrimSpace(card.PhotoUrl),
		})
		if uerr != nil {
			recordErrors = append(recordErrors, recordError{
				entityType: "product", externalId: article, message: uerr.Error(), retryable: true,
			})
			continue
		}
		processed++
		if wasCreated {
			created++
		}
		if wasUpdated {
			updated++
		}
	}
	if updated > 0 || created > 0 {
		models.InvalidateProductCache(cabinet.ID)
	}

	return index, finishCategory(ctx, cabinet.ID, models.SyncCategoryProducts, startedAt, processed, created, updated, recordErrors, err)
}

func mapOrderStatus(raw string) (models.OrderStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "new", "active", "confirm":
		return models.OrderStatusActive, true
	case "sold", "buyout", "complete":
		return models.OrderStatusBuyout, true
	case "cancel", "canceled", "declined_by_client":
		return models.OrderStatusCanceled, true
	case "return", "returned":
		return models.OrderStatusReturned, true
	default:
		return "", false
	}
}

func syncOrders(ctx context.Context, cabinet models.Cabinet, client *marketClient, windowStart time.Time, productIndex map[string]marketCard) (CategoryReport, []Event) {
	startedAt := time.Now()

	firstSync := isFirstSync(ctx, cabinet.ID, models.SyncCategoryOrders)

	before, err := models.ListOrdersSince(ctx, cabinet.ID, windowStart)
	if err != nil {
		return finishCategory(ctx, cabinet.ID, models.SyncCategoryOrders, startedAt, 0, 0, 0, nil, err), nil
	}
	prevByExternalId := make(map[string]models.Order, len(before))
	for _, order := range before {
		prevByExternalId[order.ExternalOrderId] = order
	}

	rows, err := client.FetchOrders(ctx, windowStart)

	var recordErrors []recordError
	processed, created, updated := 0, 0, 0
	for _, row := range rows {
		externalId := strings.TrimSpace(row.OrderId)
		if externalId == "" {
			recordErrors = append(recordErrors, recordError{
				entityType: "order", message: "order id missing", payload: marshalRaw(row),
			})
			continue
		}
		status, ok := mapOrderStatus(row.Status)
		if !ok {
			recordErrors = append(recordErrors, recordError{
				entityType: "order", externalId: externalId,
				message: "unknown status " + row.Status, payload: marshalRaw(row),
			})
			continue
		}

		order := &models.Order{
			CabinetId:       cabinet.ID,
			ExternalOrderId: externalId,
			Article:         strings.TrimSpace(row.Article),
			Size:            strings.TrimSpace(row.Size),
			Brand:           strings.TrimSpace(row.Brand),
			Category:        strings.TrimSpace(row.Category),
			Subject:         strings.TrimSpace(row.Subject),
			WarehouseName:   strings.TrimSpace(row.WarehouseName),
			Status:          status,
			Price:           decimalFromNumber(row.Price),
			PriceWithDisc:   decimalFromNumber(row.PriceWithDisc),
			OrderDate:       parseTimeOrNow(row.Date),
		}
		// product cards carry the authoritative category/subject pair
		if card, known := productIndex[order.Article]; known {
			if order.Category == "" {
				order.Category = strings.TrimSpace(card.Category)
			}
			if order.Subject == "" {
				order.Subject = strings.TrimSpace(card.Subject)
			}
			if order.Brand == "" {
				order.Brand = strings.TrimSpace(card.Brand)
			}
		}

		wasCreated, wasUpdated, uerr := models.UpsertOrder(ctx, order)
		if uerr != nil {
			recordErrors = append(recordErrors, recordError{
				entityType: "order", externalId: externalId, message: uerr.Error(), retryable: true,
			})
			continue
		}
		processed++
		if wasCreated {
			created++
		}
		if wasUpdated {
			updated++
		}
	}

	report := finishCategory(ctx, cabinet.ID, models.SyncCategoryOrders, startedAt, processed, created, updated, recordErrors, err)

	if firstSync || report.Status != models.SyncStatusSuccess {
		return report, nil
	}
	after, aerr := models.ListOrdersSince(ctx, cabinet.ID, windowStart)
	if aerr != nil {
		config.LogError(config.GetLogger(), "marketsync", "syncOrders", "after snapshot", cabinet.ID, aerr)
		return report, nil
	}
	events := DetectNewOrders(cabinet.ID, prevByExternalId, after)
	events = append(events, DetectStatusTransitions(cabinet.ID, prevByExternalId, after)...)
	return report, events
}

type stockLineKey struct {
	Article     string
	WarehouseId int
	Size        string
}

// vanishedStockLines returns stored non-zero lines the current pull no longer
// reports, with their quantity zeroed. A line the feed stops returning is sold
// out; keeping its last quantity would hide the drop from the detector.
func vanishedStockLines(before []models.StockLine, seen map[stockLineKey]bool) []models.StockLine {
	var vanished []models.StockLine
	for _, line := range before {
		if line.Quantity == 0 {
			continue
		}
		if seen[stockLineKey{Article: line.Article, WarehouseId: line.WarehouseId, Size: line.Size}] {
			continue
		}
		line.Quantity = 0
		vanished = append(vanished, line)
	}
	return vanished
}

func syncStocks(ctx context.Context, cabinet models.Cabinet, client *marketClient, threshold int) (CategoryReport, []Event) {
	startedAt := time.Now()

	firstSync := isFirstSync(ctx, cabinet.ID, models.SyncCategoryStocks)

	before, err := models.ListStockLines(ctx, cabinet.ID)
	if err != nil {
		return finishCategory(ctx, cabinet.ID, models.SyncCategoryStocks, startedAt, 0, 0, 0, nil, err), nil
	}

	rows, err := client.FetchStocks(ctx)

	var recordErrors []recordError
	processed, created, updated := 0, 0, 0
	seen := make(map[stockLineKey]bool, len(rows))
	for _, row := range rows {
		article := strings.TrimSpace(row.Article)
		if article == "" {
			recordErrors = append(recordErrors, recordError{
				entityType: "stock", message: "article missing", payload: marshalRaw(row),
			})
			continue
		}
		size := strings.TrimSpace(row.Size)
		seen[stockLineKey{Article: article, WarehouseId: row.WarehouseId, Size: size}] = true
		quantity := int(decimalFromNumber(row.Quantity).IntPart())
		if quantity < 0 {
			quantity = 0
		}

		wasCreated, wasUpdated, uerr := models.UpsertStockLine(ctx, &models.StockLine{
			CabinetId:     cabinet.ID,
			Article:       article,
			WarehouseId:   row.WarehouseId,
			Size:          size,
			WarehouseName: strings.TrimSpace(row.WarehouseName),
			Quantity:      quantity,
		})
		if uerr != nil {
			recordErrors = append(recordErrors, recordError{
				entityType: "stock", externalId: article, message: uerr.Error(), retryable: true,
			})
			continue
		}
		processed++
		if wasCreated {
			created++
		}
		if wasUpdated {
			updated++
		}
	}

	// Zero lines the pull stopped reporting, but only after a successful
	// fetch: a failed pull says nothing about what vanished.
	if err == nil {
		for _, line := range vanishedStockLines(before, seen) {
			zeroed := line
			if _, wasUpdated, uerr := models.UpsertStockLine(ctx, &zeroed); uerr != nil {
				recordErrors = append(recordErrors, recordError{
					entityType: "stock", externalId: line.Article, message: uerr.Error(), retryable: true,
				})
			} else if wasUpdated {
				updated++
			}
		}
	}

	report := finishCategory(ctx, cabinet.ID, models.SyncCategoryStocks, startedAt, processed, created, updated, recordErrors, err)

	if firstSync || report.Status != models.SyncStatusSuccess {
		return report, nil
	}
	after, aerr := models.ListStockLines(ctx, cabinet.ID)
	if aerr != nil {
		config.LogError(config.GetLogger(), "marketsync", "syncStocks", "after snapshot", cabinet.ID, aerr)
		return report, nil
	}
	return report, DetectCriticalStock(cabinet.ID, before, after, threshold, startedAt)
}

func syncReviews(ctx context.Context, cabinet models.Cabinet, client *marketClient, negativeMax int) (CategoryReport, []Event) {
	startedAt := time.Now()

	firstSync := isFirstSync(ctx, cabinet.ID, models.SyncCategoryReviews)

	before, err := models.ListReviews(ctx, cabinet.ID)
	if err != nil {
		return finishCategory(ctx, cabinet.ID, models.SyncCategoryReviews, startedAt, 0, 0, 0, nil, err), nil
	}
	prevIds := make(map[string]bool, len(before))
	for _, review := range before {
		prevIds[review.ExternalReviewId] = true
	}

	rows, err := client.FetchReviews(ctx)

	var recordErrors []recordError
	processed, created, updated := 0, 0, 0
	for _, row := range rows {
		externalId := strings.TrimSpace(row.Id)
		if externalId == "" {
			recordErrors = append(recordErrors, recordError{
				entityType: "review", message: "review id missing", payload: marshalRaw(row),
			})
			continue
		}
		answered := row.IsAnswered
		wasCreated, wasUpdated, uerr := models.UpsertReview(ctx, &models.Review{
			CabinetId:        cabinet.ID,
			ExternalReviewId: externalId,
			Article:          strings.TrimSpace(row.Article),
			ProductName:      strings.TrimSpace(row.ProductName),
			Rating:           row.Rating,
			Text:             row.Text,
			IsAnswered:       &answered,
			ReviewDate:       parseTimeOrNow(row.Date),
		})
		if uerr != nil {
			recordErrors = append(recordErrors, recordError{
				entityType: "review", externalId: externalId, message: uerr.Error(), retryable: true,
			})
			continue
		}
		processed++
		if wasCreated {
			created++
		}
		if wasUpdated {
			updated++
		}
	}

	report := finishCategory(ctx, cabinet.ID, models.SyncCategoryReviews, startedAt, processed, created, updated, recordErrors, err)

	if firstSync || report.Status != models.SyncStatusSuccess {
		return report, nil
	}
	after, aerr := models.ListReviews(ctx, cabinet.ID)
	if aerr != nil {
		config.LogError(config.GetLogger(), "marketsync", "syncReviews", "after snapshot", cabinet.ID, aerr)
		return report, nil
	}
	return report, DetectNegativeReviews(cabinet.ID, prevIds, after, negativeMax)
}

func mapSaleType(raw string) (models.SaleType, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "S", "SALE", "BUYOUT":
		return models.SaleTypeBuyout, true
	case "R", "RETURN":
		return models.SaleTypeReturn, true
	default:
		return "", false
	}
}

func syncSales(ctx context.Context, cabinet models.Cabinet, client *marketClient, windowStart time.Time) (CategoryReport, []Event) {
	startedAt := time.Now()

	firstSync := isFirstSync(ctx, cabinet.ID, models.SyncCategorySales)

	before, err := models.ListSales(ctx, cabinet.ID, windowStart)
	if err != nil {
		return finishCategory(ctx, cabinet.ID, models.SyncCategorySales, startedAt, 0, 0, 0, nil, err), nil
	}
	prevIds := make(map[string]bool, len(before))
	for _, sale := range before {
		prevIds[sale.ExternalSaleId] = true
	}

	rows, err := client.FetchSales(ctx, windowStart)

	var recordErrors []recordError
	processed, created := 0, 0
	for _, row := range rows {
		externalId := strings.TrimSpace(row.SaleId)
		if externalId == "" {
			recordErrors = append(recordErrors, recordError{
				entityType: "sale", message: "sale id missing", payload: marshalRaw(row),
			})
			continue
		}
		saleType, ok := mapSaleType(row.Type)
		if !ok {
			recordErrors = append(recordErrors, recordError{
				entityType: "sale", externalId: externalId,
				message: "unknown sale type " + row.Type, payload: marshalRaw(row),
			})
			continue
		}

		wasCreated, uerr := models.UpsertSale(ctx, &models.Sale{
			CabinetId:       cabinet.ID,
			ExternalSaleId:  externalId,
			Type:            saleType,
			ExternalOrderId: strings.TrimSpace(row.OrderId),
			Article:         strings.TrimSpace(row.Article),
			Size:            strings.TrimSpace(row.Size),
			Brand:           strings.TrimSpace(row.Brand),
			Amount:          decimalFromNumber(row.Amount),
			SaleDate:        parseTimeOrNow(row.Date),
		})
		if uerr != nil {
			recordErrors = append(recordErrors, recordError{
				entityType: "sale", externalId: externalId, message: uerr.Error(), retryable: true,
			})
			continue
		}
		processed++
		if wasCreated {
			created++
		}
	}

	report := finishCategory(ctx, cabinet.ID, models.SyncCategorySales, startedAt, processed, created, 0, recordErrors, err)

	if firstSync || report.Status != models.SyncStatusSuccess {
		return report, nil
	}
	after, aerr := models.ListSales(ctx, cabinet.ID, windowStart)
	if aerr != nil {
		config.LogError(config.GetLogger(), "marketsync", "syncSales", "after snapshot", cabinet.ID, aerr)
		return report, nil
	}
	return report, DetectSalesAndReturns(cabinet.ID, prevIds, after)
}

// deriveCommissions refreshes the commission table and computes the resolved
// commission and logistics estimate on each windowed order. Resolution is the
// three-tier fallback in models.ResolveCommissionRate.
func deriveCommissions(ctx context.Context, cabinet models.Cabinet, client *marketClient, windowStart time.Time, settings config.SyncSettings) error {
	rows, err := client.FetchCommissions(ctx)
	if err == nil && len(rows) > 0 {
		rates := make([]models.CommissionRate, 0, len(rows))
		for _, row := range rows {
			category := strings.TrimSpace(row.Category)
			if category == "" {
				continue
			}
			rates = append(rates, models.CommissionRate{
				Category: category,
				Subject:  strings.TrimSpace(row.Subject),
				Rate:     decimalFromNumber(row.Rate),
			})
		}
		if err := models.ReplaceCommissionRates(ctx, rates); err != nil {
			return err
		}
	}
	// a failed table refresh still lets the stored table + default serve

	orders, err := models.ListOrdersSince(ctx, cabinet.ID, windowStart)
	if err != nil {
		return err
	}
	hundred := decimal.NewFromInt(100)
	for _, order := range orders {
		rate, rerr := models.ResolveCommissionRate(ctx, order.Category, order.Subject, settings.DefaultCommissionRate)
		if rerr != nil {
			continue
		}
		amount := order.PriceWithDisc.Mul(rate).Div(hundred).Round(4)
		logistics := settings.LogisticsBaseCost
		if order.CommissionRate.Equal(rate) && order.CommissionAmount.Equal(amount) && order.LogisticsAmount.Equal(logistics) {
			continue
		}
		if uerr := models.SetOrderCommission(ctx, order.ID, rate, amount, logistics); uerr != nil {
			return uerr
		}
	}
	return nil
}

// isFirstSync errs on the side of suppression: if the gate cannot be read the
// cycle behaves as a first sync and emits nothing.
func isFirstSync(ctx context.Context, cabinetId uint, category models.SyncCategory) bool {
	completed, err := models.HasCompletedSync(ctx, cabinetId, category)
	if err != nil {
		return true
	}
	return !completed
}

func decimalFromNumber(n json.Number) decimal.Decimal {
	if n == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseTimeOrNow(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Now()
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Now()
}

func marshalRaw(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}
