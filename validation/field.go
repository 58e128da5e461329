package validation

import "github.com/diewo77/esign/internal/models"

// Field checks a DocField before it is persisted. Positioned types must
// carry full geometry; checkbox and radio groups must not (radios carry
// their own per-option anchors instead).
func Field(f *models.DocField, v Violations) {
	if f.Page < 1 {
		v["page"] = "must_be_positive"
	}
	switch f.Type {
	case models.FieldSignature, models.FieldText, models.FieldMention, models.FieldReadOnlyText:
		if f.X == nil || f.Y == nil || f.Width == nil || f.Height == nil {
			v["geometry"] = "required"
		}
	case models.FieldCheckbox, models.FieldRadioGroup:
		if f.Width != nil || f.Height != nil {
			v["geometry"] = "not_allowed"
		}
		if f.Type == models.FieldRadioGroup {
			if len(f.Radios) == 0 {
				v["radios"] = "required"
			}
			for _, r := range f.Radios {
				if r.Size <= 0 {
					v["radios"] = "size_must_be_positive"
				}
			}
		}
	default:
		v["type"] = "not_allowed"
	}
}

// Signatory checks identity and ordering constraints.
func Signatory(s *models.Signatory, v Violations) {
	Required("first_name", s.FirstName, v)
	Required("last_name", s.LastName, v)
	Email("email", s.Email, v)
	Phone("phone_number", s.PhoneNumber, v)
	OneOf("role", s.Role, []string{models.RoleSigner, models.RoleViewer, models.RoleApprover}, v)
	PositiveInt("signing_order", s.SigningOrder, v)
}
