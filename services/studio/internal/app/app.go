package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"characterstudio/internal/util"
	"characterstudio/pkg/ai"
	"characterstudio/pkg/domain"
	"characterstudio/pkg/storage"
	"characterstudio/pkg/store"
)

const (
	defaultPresignExpiry      = 15 * time.Minute
	defaultMaxImageBytes      = 10 << 20
	defaultPresignConcurrency = 8
)

// Config holds the collaborators and policy switches of the application core.
type Config struct {
	Store    store.CharacterStore
	Objects  storage.ObjectStore
	Analyzer ai.Analyzer
	Painter  ai.Painter

	PresignExpiry      time.Duration
	PresignConcurrency int
	MaxImageBytes      int64
	AllowedExtensions  []string

	// GroundWithReference passes the stored reference image to the image model.
	GroundWithReference bool
	// MarkFallbackAsError stores fallback profiles with status "error" instead of "ready".
	MarkFallbackAsError bool
	// EnforceOwnership hides records of other users from read-by-id operations.
	EnforceOwnership bool

	Now func() time.Time
}

// App implements the character studio operations on top of injected collaborators.
type App struct {
	store    store.CharacterStore
	objects  storage.ObjectStore
	analyzer ai.Analyzer
	painter  ai.Painter

	presignExpiry      time.Duration
	presignConcurrency int
	maxImageBytes      int64
	allowedExtensions  map[string]struct{}

	groundWithReference bool
	markFallbackAsError bool
	enforceOwnership    bool

	now func() time.Time
}

// New validates cfg and constructs the application.
func New(cfg Config) (*App, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("character store required")
	case cfg.Objects == nil:
		return nil, errors.New("object store required")
	case cfg.Analyzer == nil:
		return nil, errors.New("image analyzer required")
	case cfg.Painter == nil:
		return nil, errors.New("image generator required")
	}
	a := &App{
		store:               cfg.Store,
		objects:             cfg.Objects,
		analyzer:            cfg.Analyzer,
		painter:             cfg.Painter,
		presignExpiry:       cfg.PresignExpiry,
		presignConcurrency:  cfg.PresignConcurrency,
		maxImageBytes:       cfg.MaxImageBytes,
		allowedExtensions:   normalizeExtensions(cfg.AllowedExtensions),
		groundWithReference: cfg.GroundWithReference,
		markFallbackAsError: cfg.MarkFallbackAsError,
		enforceOwnership:    cfg.EnforceOwnership,
		now:                 cfg.Now,
	}
	if a.presignExpiry <= 0 {
		a.presignExpiry = defaultPresignExpiry
	}
	if a.presignConcurrency <= 0 {
		a.presignConcurrency = defaultPresignConcurrency
	}
	if a.maxImageBytes <= 0 {
		a.maxImageBytes = defaultMaxImageBytes
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

// MaxImageBytes is the largest decoded image CreateProfile accepts.
func (a *App) MaxImageBytes() int64 {
	return a.maxImageBytes
}

// ListLibrary returns every character owned by ownerID, each with a preview URL.
func (a *App) ListLibrary(ctx context.Context, ownerID string) ([]domain.Character, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, unauthenticated()
	}
	items, err := a.store.ListCharactersByOwner(ctx, ownerID)
	if err != nil {
		return nil, internal(err, "failed to load character library")
	}
	if items == nil {
		items = []domain.Character{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.presignConcurrency)
	for i := range items {
		g.Go(func() error {
			a.attachPreview(gctx, &items[i])
			return nil
		})
	}
	_ = g.Wait()
	return items, nil
}

// GetCharacter returns one character with a preview URL.
func (a *App) GetCharacter(ctx context.Context, ownerID, id string) (domain.Character, error) {
	c, err := a.lookup(ctx, ownerID, id)
	if err != nil {
		return domain.Character{}, err
	}
	a.attachPreview(ctx, &c)
	return c, nil
}

// RequestUpload issues a pre-signed PUT URL for a new path under the caller's upload prefix.
func (a *App) RequestUpload(ctx context.Context, ownerID, fileName string) (domain.UploadTicket, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.UploadTicket{}, unauthenticated()
	}
	if err := a.checkFileName(fileName); err != nil {
		return domain.UploadTicket{}, err
	}
	now := a.now()
	key := uploadKey(ownerID, fileName, now)
	uploadURL, err := a.objects.PresignPut(ctx, key, a.presignExpiry)
	if err != nil {
		return domain.UploadTicket{}, internal(err, "failed to prepare upload")
	}
	return domain.UploadTicket{
		Path:      key,
		UploadURL: uploadURL,
		ExpiresAt: now.Add(a.presignExpiry).UTC(),
	}, nil
}

// CreateProfileInput carries either raw image bytes with a file name, or the
// path of an image the caller already uploaded.
type CreateProfileInput struct {
	ImageBase64 string
	FileName    string
	ImagePath   string
}

// CreateProfile stores the image if needed, asks the analyzer for a character
// profile and persists the resulting record. An unparseable analysis yields the
// fallback profile instead of an error.
func (a *App) CreateProfile(ctx context.Context, ownerID string, in CreateProfileInput) (domain.Character, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.Character{}, unauthenticated()
	}
	logger := util.LoggerFromContext(ctx)

	image, key, uploaded, err := a.resolveImage(ctx, ownerID, in)
	if err != nil {
		return domain.Character{}, err
	}
	discard := func() {
		if !uploaded {
			return
		}
		if err := a.objects.Delete(context.WithoutCancel(ctx), key); err != nil {
			logger.Warn("failed to remove orphaned upload", "path", key, "err", err)
		}
	}

	text, err := a.analyzer.AnalyzeImage(ctx, analysisInstruction, image)
	if err != nil {
		discard()
		var blocked *ai.BlockedError
		switch {
		case errors.As(err, &blocked):
			return domain.Character{}, newError(KindInvalidArgument, err, "image rejected by the model's safety policy (%s)", blocked.Reason)
		case errors.Is(err, ai.ErrEmptyResponse):
			return domain.Character{}, internal(err, "image analysis returned no data")
		default:
			return domain.Character{}, internal(err, "image analysis failed")
		}
	}

	status := domain.StatusReady
	profile, ok := parseProfile(text)
	if !ok {
		logger.Warn("unparseable analysis, storing fallback profile", "path", key, "response_bytes", len(text))
		profile = domain.FallbackProfile()
		if a.markFallbackAsError {
			status = domain.StatusError
		}
	}

	now := a.now()
	stored, err := a.store.CreateCharacter(ctx, domain.Character{
		OwnerID:            ownerID,
		Name:               profile.Name,
		Description:        profile.Description,
		Keywords:           profile.Keywords,
		Status:             status,
		ReferenceImagePath: key,
		GeneratedAdapterID: fmt.Sprintf("simulated-adapter-%d", now.UnixMilli()),
	})
	if err != nil {
		discard()
		return domain.Character{}, internal(err, "failed to save character")
	}
	logger.Info("character created", "character_id", stored.ID, "status", stored.Status, "fallback", !ok)
	a.attachPreview(ctx, &stored)
	return stored, nil
}

// GenerateVisualization renders the character into the described scene.
// The generated image is returned inline and never stored.
func (a *App) GenerateVisualization(ctx context.Context, ownerID, characterID, prompt string) (domain.Visualization, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.Visualization{}, unauthenticated()
	}
	characterID = strings.TrimSpace(characterID)
	prompt = strings.TrimSpace(prompt)
	if characterID == "" || prompt == "" {
		return domain.Visualization{}, invalidArgument("characterId and prompt are required")
	}
	c, err := a.lookup(ctx, ownerID, characterID)
	if err != nil {
		return domain.Visualization{}, err
	}

	var references []ai.Image
	if a.groundWithReference {
		ref, err := a.referenceImage(ctx, c)
		if err != nil {
			return domain.Visualization{}, err
		}
		references = append(references, ref)
	}

	img, err := a.painter.GenerateImage(ctx, visualizationPrompt(c.Description, prompt), references)
	if err != nil {
		var blocked *ai.BlockedError
		switch {
		case errors.As(err, &blocked):
			return domain.Visualization{}, newError(KindInvalidArgument, err, "prompt blocked by the model's safety policy (%s)", blocked.Reason)
		case errors.Is(err, ai.ErrNoImage):
			return domain.Visualization{}, internal(err, "the model produced no image; try again or change the prompt")
		default:
			return domain.Visualization{}, internal(err, "image generation failed")
		}
	}
	return domain.Visualization{
		Image:    base64.StdEncoding.EncodeToString(img.Data),
		MimeType: img.MIMEType,
	}, nil
}

func (a *App) lookup(ctx context.Context, ownerID, id string) (domain.Character, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.Character{}, unauthenticated()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Character{}, invalidArgument("characterId is required")
	}
	c, ok, err := a.store.GetCharacter(ctx, id)
	if err != nil {
		return domain.Character{}, internal(err, "failed to load character")
	}
	if !ok || (a.enforceOwnership && c.OwnerID != ownerID) {
		return domain.Character{}, notFound("character not found")
	}
	return c, nil
}

func (a *App) referenceImage(ctx context.Context, c domain.Character) (ai.Image, error) {
	if strings.TrimSpace(c.ReferenceImagePath) == "" {
		return ai.Image{}, failedPrecondition(nil, "character has no reference image")
	}
	data, _, err := a.objects.Get(ctx, c.ReferenceImagePath, 0)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return ai.Image{}, failedPrecondition(err, "reference image is missing from storage")
	}
	if err != nil {
		return ai.Image{}, internal(err, "failed to read reference image")
	}
	return ai.Image{Data: data, MIMEType: mimeTypeFor(c.ReferenceImagePath)}, nil
}

// resolveImage returns the image bytes and their blob-store key. uploaded reports
// whether this call wrote the object.
func (a *App) resolveImage(ctx context.Context, ownerID string, in CreateProfileInput) (ai.Image, string, bool, error) {
	hasBytes := strings.TrimSpace(in.ImageBase64) != ""
	hasPath := strings.TrimSpace(in.ImagePath) != ""
	switch {
	case hasBytes && hasPath:
		return ai.Image{}, "", false, invalidArgument("provide either imageBase64 or imagePath, not both")
	case !hasBytes && !hasPath:
		return ai.Image{}, "", false, invalidArgument("image data is missing (imageBase64 and fileName, or imagePath)")
	case hasPath:
		img, key, err := a.storedImage(ctx, ownerID, in.ImagePath)
		return img, key, false, err
	}

	if err := a.checkFileName(in.FileName); err != nil {
		return ai.Image{}, "", false, err
	}
	data, err := decodeImage(in.ImageBase64)
	if err != nil {
		return ai.Image{}, "", false, invalidArgument("imageBase64 is not valid base64")
	}
	if len(data) == 0 {
		return ai.Image{}, "", false, invalidArgument("image is empty")
	}
	if int64(len(data)) > a.maxImageBytes {
		return ai.Image{}, "", false, invalidArgument("image exceeds %d bytes", a.maxImageBytes)
	}
	key := uploadKey(ownerID, in.FileName, a.now())
	mimeType := mimeTypeFor(in.FileName)
	if err := a.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), mimeType); err != nil {
		return ai.Image{}, "", false, internal(err, "failed to store image")
	}
	return ai.Image{Data: data, MIMEType: mimeType}, key, true, nil
}

func (a *App) storedImage(ctx context.Context, ownerID, rawPath string) (ai.Image, string, error) {
	key, ok := ownedPath(ownerID, rawPath)
	if !ok {
		return ai.Image{}, "", invalidArgument("imagePath must point into your upload folder")
	}
	if err := a.checkFileName(key); err != nil {
		return ai.Image{}, "", err
	}
	data, _, err := a.objects.Get(ctx, key, a.maxImageBytes)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return ai.Image{}, "", failedPrecondition(err, "uploaded image not found")
	}
	if errors.Is(err, storage.ErrObjectTooLarge) {
		return ai.Image{}, "", invalidArgument("image exceeds %d bytes", a.maxImageBytes)
	}
	if err != nil {
		return ai.Image{}, "", internal(err, "failed to read uploaded image")
	}
	if len(data) == 0 {
		return ai.Image{}, "", invalidArgument("image is empty")
	}
	return ai.Image{Data: data, MIMEType: mimeTypeFor(key)}, key, nil
}

func (a *App) checkFileName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return invalidArgument("fileName is required")
	}
	if len(a.allowedExtensions) == 0 {
		return nil
	}
	if _, ok := a.allowedExtensions[strings.ToLower(filepath.Ext(name))]; !ok {
		return invalidArgument("unsupported image type %q", filepath.Ext(name))
	}
	return nil
}

// attachPreview fills ImagePreviewURL. Failures leave it empty.
func (a *App) attachPreview(ctx context.Context, c *domain.Character) {
	if c.ReferenceImagePath == "" {
		return
	}
	url, err := a.objects.PresignGet(ctx, c.ReferenceImagePath, a.presignExpiry)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("failed to presign preview", "character_id", c.ID, "err", err)
		return
	}
	c.ImagePreviewURL = url
}

// decodeImage accepts standard or URL-safe base64, padded or not, with an optional data: URL prefix.
func decodeImage(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "data:") {
		if comma := strings.IndexByte(raw, ','); comma >= 0 {
			raw = raw[comma+1:]
		}
	}
	raw = strings.TrimRight(raw, "=")
	if strings.ContainsAny(raw, "-_") {
		return base64.RawURLEncoding.DecodeString(raw)
	}
	return base64.RawStdEncoding.DecodeString(raw)
}
