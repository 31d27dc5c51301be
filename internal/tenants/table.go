// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package tenants

import (
	"sync"

	"github.com/wso2/api-platform/gateway/conversation-engine/pkg/core"
)

// Table holds the import settings of every tenant that has history import
// enabled. It is replaced wholesale when the config file changes.
type Table struct {
	settings sync.Map
}

func NewTable() *Table {
	return &Table{}
}

func (t *Table) Add(s *core.ImportSettings) {
	t.settings.Store(s.TenantID, s)
}

func (t *Table) Remove(tenantID string) {
	t.settings.Delete(tenantID)
}

// Lookup returns the tenant's settings. A miss means import is disabled.
func (t *Table) Lookup(tenantID string) (*core.ImportSettings, bool) {
	v, ok := t.settings.Load(tenantID)
	if !ok {
		return nil, false
	}
	return v.(*core.ImportSettings), true
}

func (t *Table) ReplaceAll(settings []*core.ImportSettings) {
	t.settings.Range(func(key, _ any) bool {
		t.settings.Delete(key)
		return true
	})
	for _, s := range settings {
		t.settings.Store(s.TenantID, s)
	}
}

func (t *Table) Len() int {
	n := 0
	t.settings.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
