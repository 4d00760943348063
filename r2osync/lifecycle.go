package r2osync

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/lounge_backend/config"
	"bitbucket.org/mmdatafocus/lounge_backend/models"
	"bitbucket.org/mmdatafocus/lounge_backend/utils"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	basePath     = "/api/integrations/r2o"
	callbackPath = basePath + "/callback"
	webhookPath  = basePath + "/webhook"

	// PubSubPushPath receives the invoice subscription's push deliveries.
	PubSubPushPath = "/pubsub/r2o-invoice"

	tenantLockTTL = 30 * time.Second
)

var (
	errMissingAccountToken = errors.New("accountToken missing")
	errStateMismatch       = fmt.Errorf("oauth state mismatch: %w", ErrUnauthorized)
	errStateUnknown        = fmt.Errorf("oauth state unknown or expired: %w", ErrUnauthorized)
	errSessionMismatch     = fmt.Errorf("callback session differs from connect session: %w", ErrUnauthorized)
	errPersistConnection   = errors.New("persist connection")

	errAccountLinkedElsewhere = fmt.Errorf("r2o account already linked to another tenant: %w", ErrConflict)
)

// Entitlements answers whether a tenant's subscription includes POS sync.
type Entitlements interface {
	AllowsPOSIntegration(ctx context.Context, tenantId string) (bool, error)
}

// ProfileEntitlements grants POS sync when any active profile of the tenant is
// on a tier that includes it.
type ProfileEntitlements struct {
	DB *gorm.DB
}

func (p ProfileEntitlements) AllowsPOSIntegration(ctx context.Context, tenantId string) (bool, error) {
	var profiles []models.Profile
	if err := p.DB.WithContext(ctx).
		Where("tenant_id = ? AND is_active = ?", tenantId, true).
		Find(&profiles).Error; err != nil {
		return false, err
	}
	for _, profile := range profiles {
		if profile.SubscriptionTier.AllowsPOSIntegration() {
			return true, nil
		}
	}
	return false, nil
}

// Locker serialises connection state transitions of one tenant.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

type RedisLocker struct {
	Client *redislock.Client
}

func (l RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	lock, err := l.Client.Obtain(ctx, key, ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(200*time.Millisecond), 25),
	})
	if err != nil {
		return nil, err
	}
	return lock.Release, nil
}

type noopLocker struct{}

func (noopLocker) Lock(context.Context, string, time.Duration) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

// Service wires the connection lifecycle, webhook ingestion and stock engine.
type Service struct {
	DB           *gorm.DB
	Provider     Provider
	Cipher       *utils.TokenCipher
	Entitlements Entitlements
	Locker       Locker
	States       StateStore
	Publisher    EventPublisher
	PushAuth     PushAuthenticator
	Async        bool
	Engine       *StockEngine
	Settings     config.R2OSettings
	Logger       *logrus.Logger
	Now          func() time.Time
}

func NewService(db *gorm.DB, provider Provider, cipher *utils.TokenCipher, settings config.R2OSettings, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Service{
		DB:           db,
		Provider:     provider,
		Cipher:       cipher,
		Entitlements: ProfileEntitlements{DB: db},
		Locker:       noopLocker{},
		States:       RedisStateStore{Client: config.GetRedisDB},
		Engine:       NewStockEngine(db, logger),
		Settings:     settings,
		Logger:       logger,
		Now:          time.Now,
	}
}

type ConnectResult struct {
	GrantAccessURI string
	State          string
}

// Connect starts the authorization handshake. No connection row is written yet;
// the state is bound to the caller so the redirect back can be attributed.
func (s *Service) Connect(ctx context.Context) (ConnectResult, error) {
	ctx, tenantId, err := s.tenantFromSession(ctx)
	if err != nil {
		return ConnectResult{}, err
	}
	username, _ := utils.GetUsernameFromContext(ctx)
	if err := s.checkEntitlement(ctx, tenantId); err != nil {
		return ConnectResult{}, err
	}
	if strings.TrimSpace(s.Settings.DeveloperToken) == "" {
		return ConnectResult{}, fmt.Errorf("R2O_DEVELOPER_TOKEN not set: %w", ErrServiceUnavailable)
	}

	conn, err := getConnection(s.DB.WithContext(ctx), tenantId)
	if err != nil {
		return ConnectResult{}, err
	}
	if conn != nil && conn.Status == models.IntegrationStatusConnected {
		return ConnectResult{}, ErrConflict
	}

	state, err := utils.RandomHex(32)
	if err != nil {
		return ConnectResult{}, err
	}
	binding := StateBinding{TenantId: tenantId, Username: username}
	if err := s.states().Save(ctx, state, binding, stateCookieMaxAge*time.Second); err != nil {
		return ConnectResult{}, fmt.Errorf("save oauth state: %w", err)
	}
	grant, err := s.Provider.GrantAccessToken(ctx, s.callbackURL(state))
	if err != nil {
		return ConnectResult{}, err
	}
	return ConnectResult{GrantAccessURI: grant.GrantAccessURI, State: state}, nil
}

type CallbackInput struct {
	AccountToken string
	State        string
	CookieState  string
}

type stepResult struct {
	Step string
	Err  error
}

type enrichment struct {
	AccountId         *string
	ProductGroupId    *string
	WebhookRegistered bool
}

// Callback finalizes the handshake and upserts the tenant's connection. The
// session is the one bound to the state at Connect; a session presented on the
// redirect itself must be the same user.
func (s *Service) Callback(ctx context.Context, in CallbackInput) error {
	accountToken := strings.TrimSpace(in.AccountToken)
	if accountToken == "" {
		return errMissingAccountToken
	}
	if in.State == "" || in.CookieState == "" ||
		subtle.ConstantTimeCompare([]byte(in.State), []byte(in.CookieState)) != 1 {
		return errStateMismatch
	}
	binding, ok, err := s.states().Take(ctx, in.State)
	if err != nil {
		return fmt.Errorf("load oauth state: %w", err)
	}
	if !ok || binding.Username == "" {
		return errStateUnknown
	}
	if username, ok := utils.GetUsernameFromContext(ctx); ok && username != "" && username != binding.Username {
		return errSessionMismatch
	}

	ctx, tenantId, err := s.tenantFromSession(utils.SetUsernameInContext(ctx, binding.Username))
	if err != nil {
		return err
	}
	if tenantId != binding.TenantId {
		return errSessionMismatch
	}
	if err := s.checkEntitlement(ctx, tenantId); err != nil {
		return err
	}
	if strings.TrimSpace(s.Settings.DeveloperToken) == "" {
		return fmt.Errorf("R2O_DEVELOPER_TOKEN not set: %w", ErrServiceUnavailable)
	}

	release, err := s.lockTenant(ctx, tenantId)
	if err != nil {
		return err
	}
	defer s.unlock(release, tenantId)

	secret, err := s.Cipher.Encrypt(accountToken)
	if err != nil {
		return err
	}

	enriched, steps, err := s.enrich(ctx, tenantId, accountToken)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if step.Err == nil {
			continue
		}
		// Enrichment failures leave the connection usable, only less complete.
		s.logger().WithFields(logrus.Fields{
			"module":    "r2osync",
			"funcName":  "Callback",
			"tenant_id": tenantId,
			"step":      step.Step,
		}).WithError(step.Err).Warn("r2o enrichment step ignored")
	}

	conn := models.R2OConnection{
		TenantId:          tenantId,
		EncryptedToken:    secret.Ciphertext,
		TokenIV:           secret.IV,
		Status:            models.IntegrationStatusConnected,
		WebhookRegistered: enriched.WebhookRegistered,
		AccountId:         enriched.AccountId,
		ProductGroupId:    enriched.ProductGroupId,
		ConnectedAt:       s.now(),
	}
	if err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"encrypted_token", "token_iv", "status", "webhook_registered",
			"account_id", "product_group_id", "connected_at", "updated_at",
		}),
	}).Create(&conn).Error; err != nil {
		return fmt.Errorf("%w: %v", errPersistConnection, err)
	}

	s.logger().WithFields(logrus.Fields{
		"module":             "r2osync",
		"tenant_id":          tenantId,
		"webhook_registered": enriched.WebhookRegistered,
		"account_linked":     enriched.AccountId != nil,
	}).Info("r2o connected")
	return nil
}

// enrich runs the optional provider calls in order; each may fail on its own.
// The only hard stop is an account already routed to another tenant.
func (s *Service) enrich(ctx context.Context, tenantId, token string) (enrichment, []stepResult, error) {
	var out enrichment
	steps := make([]stepResult, 0, 3)

	company, err := s.Provider.GetCompanyInfo(ctx, token)
	if err == nil && company.CompanyID == "" {
		err = errors.New("company id missing")
	}
	if err == nil {
		id := company.CompanyID.String()
		owner, lookupErr := s.connectedTenantForAccount(ctx, id)
		if lookupErr != nil {
			return out, steps, lookupErr
		}
		if owner != "" && owner != tenantId {
			return out, steps, fmt.Errorf("account %s held by %s: %w", id, owner, errAccountLinkedElsewhere)
		}
		out.AccountId = &id
	}
	steps = append(steps, stepResult{Step: "account_lookup", Err: err})

	group, err := s.Provider.CreateProductGroup(ctx, token, s.Settings.ProductGroupName)
	if err == nil && group.ID == "" {
		err = errors.New("product group id missing")
	}
	if err == nil {
		id := group.ID.String()
		out.ProductGroupId = &id
	}
	steps = append(steps, stepResult{Step: "product_group", Err: err})

	hookURL, err := s.webhookURL()
	if err == nil {
		err = s.Provider.RegisterWebhook(ctx, token, hookURL, s.Settings.WebhookEvents)
	}
	out.WebhookRegistered = err == nil
	steps = append(steps, stepResult{Step: "webhook_registration", Err: err})

	return out, steps, nil
}

// Disconnect revokes the webhook when possible and removes every trace of the
// connection. Disconnecting twice is fine.
func (s *Service) Disconnect(ctx context.Context) error {
	ctx, tenantId, err := s.tenantFromSession(ctx)
	if err != nil {
		return err
	}
	release, err := s.lockTenant(ctx, tenantId)
	if err != nil {
		return err
	}
	defer s.unlock(release, tenantId)

	db := s.DB.WithContext(ctx)
	conn, err := getConnection(db, tenantId)
	if err != nil {
		return err
	}
	if conn == nil {
		return nil
	}

	if conn.WebhookRegistered {
		s.deregisterWebhook(ctx, conn)
	}

	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tenant_id = ?", tenantId).Delete(&models.R2OProductMapping{}).Error; err != nil {
			return err
		}
		return tx.Where("tenant_id = ?", tenantId).Delete(&models.R2OConnection{}).Error
	})
}

// deregisterWebhook is best effort; a stale or undecryptable token must not
// block local cleanup.
func (s *Service) deregisterWebhook(ctx context.Context, conn *models.R2OConnection) {
	fields := logrus.Fields{"module": "r2osync", "funcName": "Disconnect", "tenant_id": conn.TenantId}
	token, err := s.Cipher.Decrypt(conn.EncryptedToken, conn.TokenIV)
	if err != nil {
		s.logger().WithFields(fields).WithError(err).Warn("r2o token unreadable, skipping webhook removal")
		return
	}
	if err := s.Provider.DeleteWebhook(ctx, token); err != nil {
		s.logger().WithFields(fields).WithError(err).Warn("r2o webhook removal failed")
	}
}

func (s *Service) Status(ctx context.Context) (StatusResponse, error) {
	ctx, tenantId, err := s.tenantFromSession(ctx)
	if err != nil {
		return StatusResponse{}, err
	}
	db := s.DB.WithContext(ctx)
	conn, err := getConnection(db, tenantId)
	if err != nil {
		return StatusResponse{}, err
	}
	if conn == nil {
		return StatusResponse{Status: models.IntegrationStatusDisconnected}, nil
	}

	var mapped int64
	if err := db.Model(&models.R2OProductMapping{}).Where("tenant_id = ?", tenantId).Count(&mapped).Error; err != nil {
		return StatusResponse{}, err
	}
	connectedAt := conn.ConnectedAt.UTC().Format(time.RFC3339)
	return StatusResponse{
		Status:            conn.Status,
		WebhookRegistered: conn.WebhookRegistered,
		AccountLinked:     conn.AccountId != nil && *conn.AccountId != "",
		ProductGroupId:    conn.ProductGroupId,
		MappedProducts:    mapped,
		ConnectedAt:       &connectedAt,
	}, nil
}

// connectedTenantForAccount returns the tenant currently receiving webhooks for
// the account, or "".
func (s *Service) connectedTenantForAccount(ctx context.Context, accountId string) (string, error) {
	conn, err := s.ConnectionByAccount(ctx, accountId)
	if err != nil || conn == nil {
		return "", err
	}
	return conn.TenantId, nil
}

// ConnectionByAccount routes a webhook to its tenant. Only connected rows match.
func (s *Service) ConnectionByAccount(ctx context.Context, accountId string) (*models.R2OConnection, error) {
	if strings.TrimSpace(accountId) == "" {
		return nil, nil
	}
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	var conn models.R2OConnection
	err := s.DB.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountId, models.IntegrationStatusConnected).
		Order("id").
		Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

// tenantFromSession maps the session username to its tenant and scopes ctx to it.
func (s *Service) tenantFromSession(ctx context.Context) (context.Context, string, error) {
	username, ok := utils.GetUsernameFromContext(ctx)
	if !ok || strings.TrimSpace(username) == "" {
		return ctx, "", ErrUnauthorized
	}
	profile, err := models.GetProfileByUsername(ctx, s.DB, username)
	if err != nil {
		if errors.Is(err, models.ErrProfileNotFound) {
			return ctx, "", ErrUnauthorized
		}
		return ctx, "", err
	}
	if !profile.IsActive || profile.TenantId == "" {
		return ctx, "", ErrUnauthorized
	}
	return utils.SetTenantIdInContext(ctx, profile.TenantId), profile.TenantId, nil
}

func (s *Service) checkEntitlement(ctx context.Context, tenantId string) error {
	allowed, err := s.Entitlements.AllowsPOSIntegration(ctx, tenantId)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrForbidden
	}
	return nil
}

func (s *Service) lockTenant(ctx context.Context, tenantId string) (func(context.Context) error, error) {
	locker := s.Locker
	if locker == nil {
		locker = noopLocker{}
	}
	release, err := locker.Lock(ctx, "Lock:r2o:connection:"+tenantId, tenantLockTTL)
	if err != nil {
		return nil, fmt.Errorf("tenant lock: %w", err)
	}
	return release, nil
}

func (s *Service) unlock(release func(context.Context) error, tenantId string) {
	if err := release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		config.LogError(s.logger(), "r2osync", "unlock", "release tenant lock", tenantId, err)
	}
}

// callbackURL is handed to the provider, which appends accountToken and sends
// the browser back with the state untouched.
func (s *Service) callbackURL(state string) string {
	return s.Settings.PublicBaseURL + callbackPath + "?state=" + url.QueryEscape(state)
}

func (s *Service) webhookURL() (string, error) {
	if s.Settings.WebhookSecret == "" {
		return "", fmt.Errorf("R2O_WEBHOOK_SECRET not set: %w", ErrServiceUnavailable)
	}
	if s.Settings.PublicBaseURL == "" {
		return "", fmt.Errorf("PUBLIC_BASE_URL not set: %w", ErrServiceUnavailable)
	}
	return s.Settings.PublicBaseURL + webhookPath + "?secret=" + url.QueryEscape(s.Settings.WebhookSecret), nil
}

// settingsRedirect builds the dashboard URL the callback sends the browser to.
func (s *Service) settingsRedirect(reason string) string {
	q := url.Values{}
	if reason == "" {
		q.Set("r2o", "connected")
	} else {
		q.Set("r2o", "error")
		q.Set("reason", reason)
	}
	return s.Settings.AppBaseURL + "/settings?" + q.Encode()
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) states() StateStore {
	if s.States != nil {
		return s.States
	}
	return RedisStateStore{Client: config.GetRedisDB}
}

func (s *Service) logger() *logrus.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return config.GetLogger()
}

func getConnection(db *gorm.DB, tenantId string) (*models.R2OConnection, error) {
	var conn models.R2OConnection
	if err := db.Where("tenant_id = ?", tenantId).Take(&conn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

// callbackReason turns a callback failure into the code shown to the user.
func callbackReason(err error) string {
	switch {
	case errors.Is(err, errMissingAccountToken):
		return "no_token"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrForbidden), errors.Is(err, errAccountLinkedElsewhere):
		return "auth"
	case errors.Is(err, errPersistConnection):
		return "db"
	default:
		return "unknown"
	}
}
