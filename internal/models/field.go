package models

import "time"

// FieldType is the closed set of stampable field kinds.
type FieldType string

const (
	FieldSignature    FieldType = "signature"
	FieldText         FieldType = "text"
	FieldMention      FieldType = "mention"
	FieldCheckbox     FieldType = "checkbox"
	FieldRadioGroup   FieldType = "radio_group"
	FieldReadOnlyText FieldType = "read_only_text"
)

// Positioned reports whether the type carries its own x/y/w/h geometry.
// Checkbox and radio groups don't: radios position per option, checkboxes
// draw a fixed-size tick at an anchor.
func (t FieldType) Positioned() bool {
	switch t {
	case FieldCheckbox, FieldRadioGroup:
		return false
	}
	return true
}

// DocField is one input slot on one page of one document, bound to the
// signatory who must fill it and the request it was produced for.
// Geometry is pointer-typed so "unset" is distinguishable from zero.
type DocField struct {
	ID                 uint      `gorm:"primaryKey"`
	Type               FieldType `gorm:"type:varchar(16)"`
	Page               int       // 1-indexed
	X                  *int
	Y                  *int
	Width              *int
	Height             *int
	Text               string
	Mention            string
	Name               string
	Checked            bool
	Optional           bool
	MaxLength          int
	Question           string
	Instruction        string
	DocumentID         uint `gorm:"index"`
	SignatureRequestID uint `gorm:"index"`
	SignerID           *uint
	CreatedAt          time.Time
	UpdatedAt          time.Time

	Radios []Radio `gorm:"foreignKey:FieldID"`
}

// Radio is one option of a radio group, with its own anchor and size.
type Radio struct {
	ID      uint `gorm:"primaryKey"`
	FieldID uint `gorm:"index"`
	Label   string
	X       int
	Y       int
	Size    int `gorm:"default:24"`
	Checked bool
}
