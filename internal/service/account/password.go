package account

// MinPasswordScore is the lowest acceptable Strength score.
const MinPasswordScore = 3

// Strength scores a password on five criteria, one point each.
type Strength struct {
	Score        int  `json:"score"`
	HasMinLength bool `json:"hasMinLength"`
	HasUppercase bool `json:"hasUppercase"`
	HasLowercase bool `json:"hasLowercase"`
	HasNumber    bool `json:"hasNumber"`
	HasSpecial   bool `json:"hasSpecialChar"`
}

// Acceptable reports whether the score meets MinPasswordScore.
func (s Strength) Acceptable() bool {
	return s.Score >= MinPasswordScore
}

// CheckPasswordStrength scores pw. Only ASCII letters and digits count as
// letters and digits; everything else is special.
func CheckPasswordStrength(pw string) Strength {
	var s Strength
	s.HasMinLength = len([]rune(pw)) >= 8
	for _, r := range pw {
		switch {
		case r >= 'A' && r <= 'Z':
			s.HasUppercase = true
		case r >= 'a' && r <= 'z':
			s.HasLowercase = true
		case r >= '0' && r <= '9':
			s.HasNumber = true
		default:
			s.HasSpecial = true
		}
	}

	for _, ok := range []bool{s.HasMinLength, s.HasUppercase, s.HasLowercase, s.HasNumber, s.HasSpecial} {
		if ok {
			s.Score++
		}
	}
	return s
}
