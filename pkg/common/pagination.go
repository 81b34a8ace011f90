// Package common holds small shared types used across collaborator clients,
// chiefly the normalization of paged list responses.
package common

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strconv"
)

// PaginationParams represents pagination parameters
type PaginationParams struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// DefaultPaginationParams returns default pagination parameters
func DefaultPaginationParams() PaginationParams {
	return PaginationParams{
		Page:     1,
		PageSize: 20,
	}
}

// Query encodes the parameters as URL query values.
func (p PaginationParams) Query() url.Values {
	v := url.Values{}
	if p.Page > 0 {
		v.Set("page", strconv.Itoa(p.Page))
	}
	if p.PageSize > 0 {
		v.Set("page_size", strconv.Itoa(p.PageSize))
	}
	return v
}

// Page is a normalized list page. List endpoints on the server return either
// a bare JSON array or a `{results: [...], count, next, previous}` envelope;
// DecodePage folds both shapes into this one type so no consumer ever
// shape-sniffs again.
type Page[T any] struct {
	Results  []T    `json:"results"`
	Count    int    `json:"count"`
	Next     string `json:"next,omitempty"`
	Previous string `json:"previous,omitempty"`
}

// envelope is the DRF-style wire shape.
type envelope[T any] struct {
	Results  []T     `json:"results"`
	Count    *int    `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
}

// DecodePage normalizes a list payload. A bare array becomes a single page
// with Count equal to its length.
func DecodePage[T any](data []byte) (Page[T], error) {
	data = bytes.TrimSpace(data)

	if len(data) > 0 && data[0] == '[' {
		var results []T
		if err := json.Unmarshal(data, &results); err != nil {
			return Page[T]{}, err
		}
		return Page[T]{Results: results, Count: len(results)}, nil
	}

	var env envelope[T]
	if err := json.Unmarshal(data, &env); err != nil {
		return Page[T]{}, err
	}

	page := Page[T]{Results: env.Results}
	if env.Results == nil {
		page.Results = []T{}
	}
	if env.Count != nil {
		page.Count = *env.Count
	} else {
		page.Count = len(page.Results)
	}
	if env.Next != nil {
		page.Next = *env.Next
	}
	if env.Previous != nil {
		page.Previous = *env.Previous
	}
	return page, nil
}
