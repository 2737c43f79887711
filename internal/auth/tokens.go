// Пакет auth — хэширование паролей, выпуск и проверка JWT (RS256),
// публикация открытых ключей в формате JWKS.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Ошибки проверки токенов.
var (
	// ErrTokenExpired — срок действия токена истёк.
	ErrTokenExpired = errors.New("срок действия токена истёк")
	// ErrTokenInvalid — подпись, формат, issuer или тип токена неверны.
	ErrTokenInvalid = errors.New("невалидный токен")
)

// TokenType — назначение токена.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// Claims — claims токенов audioscribe.
type Claims struct {
	jwt.RegisteredClaims
	// Epoch — token_epoch пользователя на момент выпуска
	Epoch int `json:"epoch"`
	// Type — access или refresh
	Type TokenType `json:"typ"`
}

// TokenPair — выпущенная пара токенов.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// TokenManager выпускает и проверяет токены.
// Открытый ключ хранится в jwkset.Storage: из него строится keyfunc
// для проверки и JWKS-документ для /.well-known/jwks.json.
type TokenManager struct {
	key        *rsa.PrivateKey
	kid        string
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	storage    jwkset.Storage
	keyfunc    keyfunc.Keyfunc
	now        func() time.Time
}

// NewTokenManager создаёт TokenManager с указанным ключом подписи.
func NewTokenManager(key *rsa.PrivateKey, issuer string, accessTTL, refreshTTL time.Duration) (*TokenManager, error) {
	kid, err := keyID(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	jwk, err := jwkset.NewJWKFromKey(&key.PublicKey, jwkset.JWKOptions{
		Metadata: jwkset.JWKMetadataOptions{
			ALG: jwkset.AlgRS256,
			KID: kid,
			USE: jwkset.UseSig,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWK: %w", err)
	}

	storage := jwkset.NewMemoryStorage()
	if err := storage.KeyWrite(context.Background(), jwk); err != nil {
		return nil, fmt.Errorf("запись JWK в хранилище: %w", err)
	}

	kf, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return &TokenManager{
		key:        key,
		kid:        kid,
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		storage:    storage,
		keyfunc:    kf,
		now:        time.Now,
	}, nil
}

// KeyID возвращает kid текущего ключа подписи.
func (m *TokenManager) KeyID() string {
	return m.kid
}

// Issue выпускает пару access + refresh для пользователя с текущим epoch.
func (m *TokenManager) Issue(userID string, epoch int) (*TokenPair, error) {
	now := m.now()
	pair := &TokenPair{
		AccessExpiresAt:  now.Add(m.accessTTL),
		RefreshExpiresAt: now.Add(m.refreshTTL),
	}

	var err error
	if pair.AccessToken, err = m.sign(userID, epoch, TokenAccess, now, pair.AccessExpiresAt); err != nil {
		return nil, err
	}
	if pair.RefreshToken, err = m.sign(userID, epoch, TokenRefresh, now, pair.RefreshExpiresAt); err != nil {
		return nil, err
	}
	return pair, nil
}

func (m *TokenManager) sign(userID string, epoch int, typ TokenType, now, exp time.Time) (string, error) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Epoch: epoch,
		Type:  typ,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header[jwkset.HeaderKID] = m.kid
	signed, err := token.SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("подпись токена: %w", err)
	}
	return signed, nil
}

// Parse проверяет подпись, issuer, срок и тип токена.
// Проверка epoch выполняется вызывающим кодом по данным пользователя.
func (m *TokenManager) Parse(ctx context.Context, tokenString string, want TokenType) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, m.keyfunc.KeyfuncCtx(ctx),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Type != want {
		return nil, fmt.Errorf("%w: ожидается тип %s, получен %q", ErrTokenInvalid, want, claims.Type)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: отсутствует sub", ErrTokenInvalid)
	}
	return claims, nil
}

// JWKS возвращает JSON-документ с открытыми ключами.
func (m *TokenManager) JWKS(ctx context.Context) (json.RawMessage, error) {
	return m.storage.JSONPublic(ctx)
}

// keyID вычисляет kid как усечённый SHA-256 от DER открытого ключа.
func keyID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("кодирование открытого ключа: %w", err)
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:12]), nil
}

// LoadOrGenerateKey читает приватный RSA-ключ из PEM-файла (PKCS#1 или PKCS#8).
// Пустой путь — генерируется новый 2048-битный ключ; второй результат true.
func LoadOrGenerateKey(path string) (*rsa.PrivateKey, bool, error) {
	if path == "" {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, false, fmt.Errorf("генерация RSA-ключа: %w", err)
		}
		return key, true, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("чтение ключа %s: %w", path, err)
	}
	key, err := ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, false, fmt.Errorf("ключ %s: %w", path, err)
	}
	return key, false, nil
}

// ParsePrivateKeyPEM разбирает приватный RSA-ключ в PEM.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("PEM-блок не найден")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("ключ не является RSA")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("неподдерживаемый тип PEM-блока %q", block.Type)
	}
}
