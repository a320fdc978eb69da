package utils

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ttacon/libphonenumber"
)

var CountryCode = "MM"

// NormalizeVehicleNumber upper-cases and trims a plate number for storage.
func NormalizeVehicleNumber(vehicleNumber string) string {
	return strings.ToUpper(strings.TrimSpace(vehicleNumber))
}

// ValidatePhoneNumber checks a phone number against the configured country.
// Empty and "N/A" values are allowed (walk-in drivers often leave no phone).
func ValidatePhoneNumber(phoneNumber string) error {
	phoneNumber = strings.TrimSpace(phoneNumber)
	if phoneNumber == "" || strings.EqualFold(phoneNumber, "N/A") {
		return nil
	}
	p, err := libphonenumber.Parse(phoneNumber, CountryCode)
	if err != nil {
		return err
	}
	if !libphonenumber.IsValidNumber(p) {
		return fmt.Errorf("phone number is not valid")
	}
	return nil
}

// MapValidationErrors flattens gin binding errors into field -> tag pairs for responses.
func MapValidationErrors(err error) map[string]string {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return map[string]string{"error": err.Error()}
	}

	errorResponse := make(map[string]string)
	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}
	return errorResponse
}
