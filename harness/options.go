// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package harness

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

// DecodeSection decodes a section's options (plus inherited defaults for
// options the struct names) into a typed config struct and validates it.
// Struct fields carry `ini` tags for the option name and `validate` tags
// for the admissible values; validation failures render as BadOption with
// the option name and the admissible set.
func DecodeSection(section *ConfigSection, out any) error {
	options := map[string]string{}
	collectFieldOptions(reflect.TypeOf(out).Elem(), func(option string) {
		if section.Has(option) {
			v, err := section.Get(option)
			if err == nil {
				options[option] = v
			}
		}
	})

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "ini",
		WeaklyTypedInput: true,
		ErrorUnused:      false,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(options); err != nil {
		return badOptionf("section '%s': %v", section.fullName(), err)
	}
	if err := sectionValidator.Struct(out); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		return badOptionf("option %s in section '%s' %s",
			verrs[0].Field(), section.fullName(), validationMessage(verrs[0]))
	}
	return nil
}

func collectFieldOptions(t reflect.Type, fn func(option string)) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			collectFieldOptions(field.Type, fn)
			continue
		}
		tag := strings.SplitN(field.Tag.Get("ini"), ",", 2)[0]
		if tag == "" || tag == "-" {
			continue
		}
		fn(tag)
	}
}

var sectionValidator = newSectionValidator()

func newSectionValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("ini"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("is invalid; valid are %s",
			strings.Join(strings.Fields(fe.Param()), ", "))
	case "min":
		return fmt.Sprintf("needs value between %s and the maximum", fe.Param())
	case "gte":
		return fmt.Sprintf("needs a value of at least %s", fe.Param())
	case "lte":
		return fmt.Sprintf("needs a value of at most %s", fe.Param())
	case "max":
		return fmt.Sprintf("needs a value of at most %s", fe.Param())
	case "excluded_with":
		return fmt.Sprintf("cannot be used together with option %s", fe.Param())
	}
	return fe.Error()
}
