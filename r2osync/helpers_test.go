package r2osync

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/lounge_backend/config"
	"bitbucket.org/mmdatafocus/lounge_backend/models"
	"bitbucket.org/mmdatafocus/lounge_backend/utils"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testTenant   = "tenant-1"
	testUsername = "owner@lounge"
	testSecret   = "hook-secret"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "r2o.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Use(config.NewTenantGuardPlugin()))
	require.NoError(t, models.MigrateTable(db))
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testSettings() config.R2OSettings {
	return config.R2OSettings{
		APIBaseURL:         "https://api.ready2order.test/v1",
		DeveloperToken:     "dev-token",
		WebhookSecret:      testSecret,
		TokenEncryptionKey: "0123456789abcdef0123456789abcdef",
		PublicBaseURL:      "https://lounge.example.com",
		AppBaseURL:         "https://app.example.com",
		ProductGroupName:   "Lounge Inventory",
		WebhookEvents:      []string{EventInvoiceCreated},
	}
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *fakeProvider) {
	t.Helper()
	db := newTestDB(t)
	settings := testSettings()
	cipher, err := utils.NewTokenCipher(settings.TokenEncryptionKey)
	require.NoError(t, err)
	provider := &fakeProvider{
		grantURI:  "https://my.ready2order.test/grant/abc",
		companyID: "777",
		groupID:   "55",
	}
	svc := NewService(db, provider, cipher, settings, quietLogger())
	svc.States = newMemoryStateStore()
	return svc, db, provider
}

// bindState records a pending handshake for the test owner, as Connect would.
func bindState(t *testing.T, svc *Service, state string) {
	t.Helper()
	require.NoError(t, svc.States.Save(context.Background(), state,
		StateBinding{TenantId: testTenant, Username: testUsername}, time.Minute))
}

func sessionCtx() context.Context {
	return utils.SetUsernameInContext(context.Background(), testUsername)
}

func seedProfile(t *testing.T, db *gorm.DB, tier models.SubscriptionTier) {
	t.Helper()
	require.NoError(t, db.Create(&models.Profile{
		TenantId:         testTenant,
		Username:         testUsername,
		LoungeName:       "Cloud Nine",
		Role:             models.ProfileRoleOwner,
		SubscriptionTier: tier,
		IsActive:         true,
	}).Error)
}

func seedInventory(t *testing.T, db *gorm.DB, tenantId, id string, qty int64) {
	t.Helper()
	require.NoError(t, db.Create(&models.InventoryItem{
		ID:       id,
		TenantId: tenantId,
		Name:     "Al Fakher " + id,
		Quantity: decimal.NewFromInt(qty),
	}).Error)
}

func seedMapping(t *testing.T, db *gorm.DB, tenantId, externalId, inventoryId string) {
	t.Helper()
	require.NoError(t, db.Create(&models.R2OProductMapping{
		TenantId:          tenantId,
		ExternalProductId: externalId,
		InventoryItemId:   inventoryId,
		SyncStatus:        models.MappingSyncStatusPending,
	}).Error)
}

func seedConnection(t *testing.T, db *gorm.DB, svc *Service, accountId string, webhook bool) models.R2OConnection {
	t.Helper()
	secret, err := svc.Cipher.Encrypt("stored-token")
	require.NoError(t, err)
	conn := models.R2OConnection{
		TenantId:          testTenant,
		EncryptedToken:    secret.Ciphertext,
		TokenIV:           secret.IV,
		Status:            models.IntegrationStatusConnected,
		WebhookRegistered: webhook,
		AccountId:         &accountId,
	}
	require.NoError(t, db.Create(&conn).Error)
	return conn
}

func inventoryQty(t *testing.T, db *gorm.DB, id string) decimal.Decimal {
	t.Helper()
	var item models.InventoryItem
	require.NoError(t, db.Where("id = ?", id).Take(&item).Error)
	return item.Quantity
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}

var errProviderDown = errors.New("provider down")

type fakeProvider struct {
	mu sync.Mutex

	grantURI  string
	companyID string
	groupID   string

	grantErr   error
	companyErr error
	groupErr   error
	webhookErr error
	deleteErr  error

	redirectURI      string
	registeredURL    string
	registeredEvents []string
	deletedTokens    []string
	calls            []string
}

func (f *fakeProvider) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeProvider) GrantAccessToken(_ context.Context, redirectURI string) (GrantResponse, error) {
	f.record("grant")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redirectURI = redirectURI
	if f.grantErr != nil {
		return GrantResponse{}, f.grantErr
	}
	return GrantResponse{GrantAccessToken: "grant", GrantAccessURI: f.grantURI}, nil
}

func (f *fakeProvider) GetCompanyInfo(context.Context, string) (CompanyInfo, error) {
	f.record("company")
	if f.companyErr != nil {
		return CompanyInfo{}, f.companyErr
	}
	return CompanyInfo{CompanyID: FlexibleID(f.companyID)}, nil
}

func (f *fakeProvider) CreateProductGroup(context.Context, string, string) (ProductGroup, error) {
	f.record("product_group")
	if f.groupErr != nil {
		return ProductGroup{}, f.groupErr
	}
	return ProductGroup{ID: FlexibleID(f.groupID)}, nil
}

func (f *fakeProvider) RegisterWebhook(_ context.Context, _ string, webhookURL string, events []string) error {
	f.record("webhook")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.webhookErr != nil {
		return f.webhookErr
	}
	f.registeredURL = webhookURL
	f.registeredEvents = events
	return nil
}

func (f *fakeProvider) DeleteWebhook(_ context.Context, token string) error {
	f.record("delete_webhook")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedTokens = append(f.deletedTokens, token)
	return f.deleteErr
}

type memoryStateStore struct {
	mu     sync.Mutex
	states map[string]StateBinding
}

func newMemoryStateStore() *memoryStateStore {
	return &memoryStateStore{states: map[string]StateBinding{}}
}

func (m *memoryStateStore) Save(_ context.Context, state string, binding StateBinding, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state] = binding
	return nil
}

func (m *memoryStateStore) Take(_ context.Context, state string) (StateBinding, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.states[state]
	delete(m.states, state)
	return b, ok, nil
}

func (m *memoryStateStore) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

type fakePublisher struct {
	mu       sync.Mutex
	err      error
	payloads []InvoicePubSubPayload
}

func (p *fakePublisher) PublishInvoice(_ context.Context, payload InvoicePubSubPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.payloads = append(p.payloads, payload)
	return nil
}
