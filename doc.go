/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// The package dbrest provides the definition of the API server configuration
// (the [APIServerConfig] structure and its children), as well as the
// implementation of the API server itself ([APIServer]). Unlike a
// routes-in-config gateway, dbrest discovers its HTTP surface by
// introspecting PostgreSQL routines and tables at startup (and, optionally,
// on a schedule or LISTEN channel) and builds the endpoint table from that.
//
// The code for the `cmd/dbrest` CLI tool is a good example of how to use
// the APIServer.
package dbrest
