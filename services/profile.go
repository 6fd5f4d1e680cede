// services/profile.go
package services

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"

	"challenge-wager-service/models"
	"challenge-wager-service/utils"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

// ProfileService handles the user-profile extras that sit next to the
// lifecycle: avatar storage and honest-streak administration.
type ProfileService struct {
	backend BackendClient
	manager *LifecycleManager
	cache   *utils.Cache
}

func NewProfileService(backend BackendClient, manager *LifecycleManager, cache *utils.Cache) *ProfileService {
	return &ProfileService{backend: backend, manager: manager, cache: cache}
}

// UploadAvatar stores the image in R2 and points the backend profile at the
// new URL. The user cache is invalidated so the next read sees it.
func (s *ProfileService) UploadAvatar(ctx context.Context, fileHeader *multipart.FileHeader) (string, error) {
	if !utils.R2Enabled() {
		return "", &models.ServerError{Message: "avatar storage is not configured"}
	}

	user, err := s.manager.CurrentUser(ctx, false)
	if err != nil {
		return "", err
	}

	file, err := fileHeader.Open()
	if err != nil {
		return "", models.ErrInvalidData
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, 10<<20))
	if err != nil {
		return "", models.ErrInvalidData
	}

	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	if ext == "" {
		ext = ".jpg"
	}
	key := fmt.Sprintf("avatars/%s-%s%s", slug.Make(user.Name), uuid.NewString(), ext)

	contentType := fileHeader.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	url, err := utils.UploadToR2(ctx, key, data, contentType)
	if err != nil {
		return "", &models.ServerError{Message: "avatar upload failed"}
	}

	if err := s.backend.UpdateUserAvatar(ctx, url); err != nil {
		return "", err
	}
	s.cache.Invalidate(utils.CacheKeyUser)
	return url, nil
}

// ResetHonestStreak zeroes the streak after a detected dishonest action.
func (s *ProfileService) ResetHonestStreak(ctx context.Context) (int, error) {
	user, err := s.manager.CurrentUser(ctx, false)
	if err != nil {
		return 0, err
	}
	streak, err := s.backend.ResetHonestStreak(ctx, user.ID)
	if err != nil {
		return 0, err
	}
	s.cache.Invalidate(utils.CacheKeyUser)
	return streak, nil
}
