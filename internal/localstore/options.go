// Package localstore содержит общие части реализаций надёжного хранилища клиента:
// опции, кэширование картинок каталога.
package localstore

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

// Options задаёт параметры локального хранилища.
type Options struct {
	LockTTL      time.Duration
	Now          func() time.Time
	ImageFetcher domain.ImageFetcher
	Logger       *log.Entry
}

// Option настраивает хранилище.
type Option func(*Options)

// WithLockTTL задаёт возраст, после которого sync lock можно перехватить.
// Значение 0 отключает перехват.
func WithLockTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.LockTTL = ttl
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(opts *Options) {
		opts.Now = now
	}
}

// WithImageFetcher задаёт загрузчик картинок для CacheProductImages.
func WithImageFetcher(fetcher domain.ImageFetcher) Option {
	return func(opts *Options) {
		opts.ImageFetcher = fetcher
	}
}

// WithLogger задаёт logger хранилища.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// Apply собирает опции со значениями по умолчанию.
func Apply(component string, options ...Option) Options {
	opts := Options{
		LockTTL: domain.DefaultSyncLockTTL,
		Now:     time.Now,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LockTTL < 0 {
		opts.LockTTL = 0
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", component)
	}
	return opts
}
