package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/ecokoin/internal/model"
)

func checkProduct(p *model.Product) error {
	if p.Name == "" {
		return fmt.Errorf("%w: product name is required", ErrInvalidInput)
	}
	if p.PriceInCoins <= 0 {
		return fmt.Errorf("%w: price must be positive", ErrInvalidInput)
	}
	if p.Stock < 0 {
		return fmt.Errorf("%w: stock must not be negative", ErrInvalidInput)
	}
	return nil
}

// ListProducts возвращает каталог товаров.
func (s *Service) ListProducts(ctx context.Context) ([]model.Product, error) {
	return s.repo.ListProducts(ctx)
}

// CreateProduct добавляет товар в каталог.
func (s *Service) CreateProduct(ctx context.Context, p model.Product) (*model.Product, error) {
	if err := checkProduct(&p); err != nil {
		return nil, err
	}
	p.ID = model.NewID("P")
	if err := s.repo.CreateProduct(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProduct изменяет товар. Ранее выданные ваучеры сохраняют свой снимок цены.
func (s *Service) UpdateProduct(ctx context.Context, p model.Product) (*model.Product, error) {
	if err := checkProduct(&p); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateProduct(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DeleteProduct удаляет товар из каталога.
func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	return s.repo.DeleteProduct(ctx, id)
}

// ListPromotions возвращает баннеры.
func (s *Service) ListPromotions(ctx context.Context) ([]model.Promotion, error) {
	return s.repo.ListPromotions(ctx)
}

// CreatePromotion добавляет баннер.
func (s *Service) CreatePromotion(ctx context.Context, p model.Promotion) (*model.Promotion, error) {
	if p.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	p.ID = model.NewID("AD")
	if err := s.repo.CreatePromotion(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePromotion изменяет баннер.
func (s *Service) UpdatePromotion(ctx context.Context, p model.Promotion) (*model.Promotion, error) {
	if p.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if err := s.repo.UpdatePromotion(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DeletePromotion удаляет баннер.
func (s *Service) DeletePromotion(ctx context.Context, id string) error {
	return s.repo.DeletePromotion(ctx, id)
}

// GetSettings возвращает настройки.
func (s *Service) GetSettings(ctx context.Context) (*model.Settings, error) {
	return s.repo.GetSettings(ctx)
}

// UpdateSettings меняет курс монет за килограмм. Курс должен быть положительным,
// не больше model.MaxConversionRate и иметь не более трёх знаков после запятой.
func (s *Service) UpdateSettings(ctx context.Context, rate decimal.Decimal) (*model.Settings, error) {
	if !model.ValidRate(rate) {
		return nil, fmt.Errorf("%w: conversion rate must be positive, at most %s with up to %d decimals",
			ErrInvalidInput, model.MaxConversionRate, model.RateScale)
	}
	st := model.Settings{CoinConversionRate: rate}
	if err := s.repo.UpdateSettings(ctx, st); err != nil {
		return nil, err
	}
	return &st, nil
}
