// Copyright 2024 QuiverDB
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

package colexec

import (
	"github.com/quiverdb/quiver/pkg/container/batch"
)

// EncodeRowKey appends the composite key of the selected columns at row to
// buf. hasNull reports whether any key column is null; null keys never
// match in joins and never group together, so callers branch on it before
// touching any table.
func EncodeRowKey(bat *batch.Batch, cols []int, row int, buf []byte) (key []byte, hasNull bool) {
	key = buf
	for _, col := range cols {
		var null bool
		key, null = bat.Vecs[col].EncodeKey(row, key)
		if null {
			return key, true
		}
	}
	return key, false
}
